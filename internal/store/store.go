/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the local durable store: expiring key/value entries
// (including the device-state snapshot) and cached media blobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("store: not found")

// Store is implemented by every backend.
type Store interface {
	// GetEntry returns a live entry. Expired entries read as ErrNotFound.
	GetEntry(ctx context.Context, key string) (models.CacheEntry, error)
	// PutEntry upserts an entry. ttl <= 0 never expires.
	PutEntry(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	DeleteEntry(ctx context.Context, key string) error

	// GetMedia returns a blob and bumps its access time.
	GetMedia(ctx context.Context, id string) (models.MediaBlob, error)
	PutMedia(ctx context.Context, blob models.MediaBlob) error
	ListMedia(ctx context.Context) ([]models.MediaBlobInfo, error)
	DeleteMedia(ctx context.Context, id string) error
	ClearMedia(ctx context.Context) error

	Close() error
}

// StateKey is the entry key holding a device's state snapshot.
func StateKey(deviceID string) string {
	return "device_state:" + deviceID
}

// CommandKey is the entry key recording a processed command.
func CommandKey(commandID string) string {
	return "command_done:" + commandID
}

// LoadState reads the persisted snapshot for deviceID.
func LoadState(ctx context.Context, s Store, deviceID string) (*models.DeviceState, error) {
	entry, err := s.GetEntry(ctx, StateKey(deviceID))
	if err != nil {
		return nil, err
	}
	var state models.DeviceState
	if err := json.Unmarshal(entry.Payload, &state); err != nil {
		return nil, fmt.Errorf("decode persisted state: %w", err)
	}
	return &state, nil
}

// SaveState mirrors state under its device key with no expiry.
func SaveState(ctx context.Context, s Store, state *models.DeviceState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.PutEntry(ctx, StateKey(state.DeviceID), payload, 0)
}

// MediaUsage sums the size of all cached blobs.
func MediaUsage(ctx context.Context, s Store) (int64, error) {
	infos, err := s.ListMedia(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, info := range infos {
		total += info.Size
	}
	return total, nil
}

// EvictMedia deletes least recently accessed blobs until the cache fits in
// maxBytes. lastUsed may carry access times the store has not seen (reads
// served from memory); the later of the two wins. Blobs named in keep are
// never evicted. It returns the evicted ids.
func EvictMedia(ctx context.Context, s Store, maxBytes int64, lastUsed map[string]time.Time, keep ...string) ([]string, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	infos, err := s.ListMedia(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, info := range infos {
		total += info.Size
	}
	if total <= maxBytes {
		return nil, nil
	}

	for i, info := range infos {
		if used, ok := lastUsed[info.ID]; ok && used.After(info.AccessedAt) {
			infos[i].AccessedAt = used
		}
	}
	slices.SortFunc(infos, func(a, b models.MediaBlobInfo) int {
		return a.AccessedAt.Compare(b.AccessedAt)
	})

	var evicted []string
	for _, info := range infos {
		if total <= maxBytes {
			break
		}
		if slices.Contains(keep, info.ID) {
			continue
		}
		if err := s.DeleteMedia(ctx, info.ID); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", info.ID, err)
		}
		total -= info.Size
		evicted = append(evicted, info.ID)
	}
	return evicted, nil
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl).UTC()
}
