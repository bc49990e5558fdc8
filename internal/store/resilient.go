/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// Resilient routes calls to a primary store until it fails, then serves the
// rest of the session from memory. Missing keys and cancelled contexts do
// not count as failures.
type Resilient struct {
	primary  Store
	fallback *MemoryStore
	degraded atomic.Bool
	logger   zerolog.Logger
}

// NewResilient wraps primary. A nil primary starts degraded.
func NewResilient(primary Store, logger zerolog.Logger) *Resilient {
	r := &Resilient{
		primary:  primary,
		fallback: NewMemory(),
		logger:   logger.With().Str("component", "store").Logger(),
	}
	if primary == nil {
		r.degraded.Store(true)
		telemetry.StoreDegraded.Set(1)
	} else {
		telemetry.StoreDegraded.Set(0)
	}
	return r
}

// Degraded reports whether the store is running from memory.
func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

func (r *Resilient) active() Store {
	if r.degraded.Load() {
		return r.fallback
	}
	return r.primary
}

// failed flips to memory mode on a real store failure and reports whether
// the call should be retried against memory.
func (r *Resilient) failed(op string, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.degraded.CompareAndSwap(false, true) {
		telemetry.StoreDegraded.Set(1)
		r.logger.Error().Err(err).Str("op", op).Msg("durable store failed; continuing in memory for this session")
	}
	return true
}

func (r *Resilient) GetEntry(ctx context.Context, key string) (models.CacheEntry, error) {
	e, err := r.active().GetEntry(ctx, key)
	if r.failed("get_entry", err) {
		return r.fallback.GetEntry(ctx, key)
	}
	return e, err
}

func (r *Resilient) PutEntry(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	err := r.active().PutEntry(ctx, key, payload, ttl)
	if r.failed("put_entry", err) {
		return r.fallback.PutEntry(ctx, key, payload, ttl)
	}
	return err
}

func (r *Resilient) DeleteEntry(ctx context.Context, key string) error {
	err := r.active().DeleteEntry(ctx, key)
	if r.failed("delete_entry", err) {
		return r.fallback.DeleteEntry(ctx, key)
	}
	return err
}

func (r *Resilient) GetMedia(ctx context.Context, id string) (models.MediaBlob, error) {
	b, err := r.active().GetMedia(ctx, id)
	if r.failed("get_media", err) {
		return r.fallback.GetMedia(ctx, id)
	}
	return b, err
}

func (r *Resilient) PutMedia(ctx context.Context, blob models.MediaBlob) error {
	err := r.active().PutMedia(ctx, blob)
	if r.failed("put_media", err) {
		return r.fallback.PutMedia(ctx, blob)
	}
	return err
}

func (r *Resilient) ListMedia(ctx context.Context) ([]models.MediaBlobInfo, error) {
	infos, err := r.active().ListMedia(ctx)
	if r.failed("list_media", err) {
		return r.fallback.ListMedia(ctx)
	}
	return infos, err
}

func (r *Resilient) DeleteMedia(ctx context.Context, id string) error {
	err := r.active().DeleteMedia(ctx, id)
	if r.failed("delete_media", err) {
		return r.fallback.DeleteMedia(ctx, id)
	}
	return err
}

func (r *Resilient) ClearMedia(ctx context.Context) error {
	err := r.active().ClearMedia(ctx)
	if r.failed("clear_media", err) {
		return r.fallback.ClearMedia(ctx)
	}
	return err
}

// Close closes the primary store.
func (r *Resilient) Close() error {
	if r.primary == nil {
		return nil
	}
	return r.primary.Close()
}
