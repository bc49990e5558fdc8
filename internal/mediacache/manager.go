/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mediacache resolves remote media references to local handles,
// downloading each asset at most once.
package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/store"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// incomingPrefix marks partially written handle files.
const incomingPrefix = ".incoming-"

// Resolution outcomes, also used as metric labels.
const (
	OutcomeMemory   = "memory"
	OutcomeDurable  = "durable"
	OutcomeFetched  = "fetched"
	OutcomeFallback = "fallback"
)

// Config configures a Manager.
type Config struct {
	// Dir holds materialised handle files.
	Dir string
	// HandlePrefix is prepended to the escaped media id to form a handle
	// the playback surface can load, e.g. "/media/".
	HandlePrefix string
	// MaxBytes caps the durable blob cache. Zero is unbounded.
	MaxBytes int64
	// FetchTimeout bounds one origin download.
	FetchTimeout time.Duration
	// PrefetchWorkers bounds concurrent prefetch downloads.
	PrefetchWorkers int
}

type handle struct {
	path        string
	contentType string
	used        time.Time
}

// Manager is the media cache. Handles live in memory for the process; blobs
// live in the durable store across restarts.
type Manager struct {
	cfg     Config
	store   store.Store
	fetcher Fetcher
	logger  zerolog.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	handles map[string]handle
	pinned  map[string]struct{}
}

// New creates a manager, ensuring the handle directory exists.
func New(cfg Config, st store.Store, fetcher Fetcher, logger zerolog.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("mediacache: handle directory required")
	}
	if cfg.HandlePrefix == "" {
		cfg.HandlePrefix = "/media/"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 4
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create handle dir: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "mediacache").Logger(),
		handles: make(map[string]handle),
	}, nil
}

// Resolve returns a local handle for mediaID, downloading from remoteURL on
// first use. Any failure returns remoteURL so playback can stream from the
// origin. Concurrent calls for one id share a single download, which runs
// to completion even if ctx is cancelled.
func (m *Manager) Resolve(ctx context.Context, mediaID, remoteURL string) string {
	if mediaID == "" {
		return remoteURL
	}
	if h, ok := m.touch(mediaID); ok {
		telemetry.MediaResolveTotal.WithLabelValues(OutcomeMemory).Inc()
		return h
	}

	v, err, _ := m.group.Do(mediaID, func() (any, error) {
		return m.load(context.WithoutCancel(ctx), mediaID, remoteURL)
	})
	if err != nil {
		telemetry.MediaResolveTotal.WithLabelValues(OutcomeFallback).Inc()
		m.logger.Warn().Err(err).Str("media_id", mediaID).Msg("media cache miss; using remote url")
		return remoteURL
	}
	return v.(string)
}

func (m *Manager) load(ctx context.Context, mediaID, remoteURL string) (string, error) {
	if h, ok := m.touch(mediaID); ok {
		telemetry.MediaResolveTotal.WithLabelValues(OutcomeMemory).Inc()
		return h, nil
	}

	blob, err := m.store.GetMedia(ctx, mediaID)
	switch {
	case err == nil:
		h, err := m.materialise(mediaID, blob.Payload, blob.ContentType)
		if err != nil {
			return "", err
		}
		telemetry.MediaResolveTotal.WithLabelValues(OutcomeDurable).Inc()
		return h, nil
	case !errors.Is(err, store.ErrNotFound):
		m.logger.Warn().Err(err).Str("media_id", mediaID).Msg("durable media lookup failed")
	}

	if remoteURL == "" {
		return "", errors.New("no remote url")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	obj, err := m.fetcher.Fetch(fetchCtx, remoteURL)
	if err != nil {
		return "", err
	}

	if err := m.store.PutMedia(ctx, models.MediaBlob{ID: mediaID, Payload: obj.Data, ContentType: obj.ContentType}); err != nil {
		m.logger.Warn().Err(err).Str("media_id", mediaID).Msg("persist media blob failed")
	} else {
		m.evict(ctx, mediaID)
	}

	h, err := m.materialise(mediaID, obj.Data, obj.ContentType)
	if err != nil {
		return "", err
	}
	telemetry.MediaResolveTotal.WithLabelValues(OutcomeFetched).Inc()
	m.logger.Debug().Str("media_id", mediaID).Int("bytes", len(obj.Data)).Msg("media cached")
	return h, nil
}

// materialise writes payload to the handle directory and promotes the
// handle into memory.
func (m *Manager) materialise(mediaID string, payload []byte, contentType string) (string, error) {
	path := filepath.Join(m.cfg.Dir, fileName(mediaID))
	tmp, err := os.CreateTemp(m.cfg.Dir, incomingPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create handle file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write handle file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close handle file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install handle file: %w", err)
	}

	m.mu.Lock()
	m.handles[mediaID] = handle{path: path, contentType: contentType, used: time.Now()}
	m.mu.Unlock()
	return m.handleURL(mediaID), nil
}

// touch returns the handle for mediaID and records the memory hit so
// eviction sees it as recently used.
func (m *Manager) touch(mediaID string) (string, bool) {
	m.mu.Lock()
	h, ok := m.handles[mediaID]
	if ok {
		h.used = time.Now()
		m.handles[mediaID] = h
	}
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return m.handleURL(mediaID), true
}

// evict trims the durable cache to MaxBytes. The blob just stored and every
// pinned id survive; handles served from memory count as recently used.
func (m *Manager) evict(ctx context.Context, justStored string) {
	if m.cfg.MaxBytes <= 0 {
		return
	}

	m.mu.RLock()
	keep := make([]string, 0, len(m.pinned)+1)
	keep = append(keep, justStored)
	for id := range m.pinned {
		keep = append(keep, id)
	}
	lastUsed := make(map[string]time.Time, len(m.handles))
	for id, h := range m.handles {
		lastUsed[id] = h.used
	}
	m.mu.RUnlock()

	evicted, err := store.EvictMedia(ctx, m.store, m.cfg.MaxBytes, lastUsed, keep...)
	if err != nil {
		m.logger.Warn().Err(err).Msg("media eviction failed")
	}
	if len(evicted) == 0 {
		return
	}
	telemetry.MediaEvictionsTotal.Add(float64(len(evicted)))

	m.mu.Lock()
	for _, id := range evicted {
		if h, ok := m.handles[id]; ok {
			os.Remove(h.path)
			delete(m.handles, id)
		}
	}
	m.mu.Unlock()
	m.logger.Info().Strs("media_ids", evicted).Msg("evicted media for capacity")
}

// Handle returns the in-memory handle for mediaID without fetching.
func (m *Manager) Handle(mediaID string) (string, bool) {
	m.mu.RLock()
	_, ok := m.handles[mediaID]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return m.handleURL(mediaID), true
}

// File returns the materialised file and content type behind a handle.
func (m *Manager) File(mediaID string) (path, contentType string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[mediaID]
	return h.path, h.contentType, ok
}

// ClearAll revokes every handle, deletes the handle files and purges the
// durable blobs. Resolutions already in flight may repopulate afterwards.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.handles))
	for _, h := range m.handles {
		paths = append(paths, h.path)
	}
	clear(m.handles)
	m.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Err(err).Str("path", p).Msg("remove handle file")
		}
	}
	if orphans := m.purgeDir(); orphans > 0 {
		m.logger.Info().Int("files", orphans).Msg("removed orphaned handle files")
	}
	if err := m.store.ClearMedia(ctx); err != nil {
		return fmt.Errorf("clear media store: %w", err)
	}
	telemetry.MediaCacheBytes.Set(0)
	m.logger.Info().Int("handles", len(paths)).Msg("media cache cleared")
	return nil
}

// purgeDir removes handle files this process does not know about, such as
// those materialised by an earlier run. Recent partial downloads are left
// for their writers.
func (m *Manager) purgeDir() int {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", m.cfg.Dir).Msg("read handle dir")
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(entry.Name(), incomingPrefix) {
			if info, err := entry.Info(); err == nil && time.Since(info.ModTime()) < m.cfg.FetchTimeout {
				continue
			}
		}
		if err := os.Remove(filepath.Join(m.cfg.Dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// Prefetch resolves media concurrently and returns how many now have a
// local handle. The ids passed become the pinned set: capacity eviction
// never removes them until a later Prefetch replaces the set.
func (m *Manager) Prefetch(ctx context.Context, media []models.Media) int {
	pinned := make(map[string]struct{}, len(media))
	for _, md := range media {
		if md.ID != "" {
			pinned[md.ID] = struct{}{}
		}
	}
	m.mu.Lock()
	m.pinned = pinned
	m.mu.Unlock()

	seen := make(map[string]struct{}, len(media))
	var (
		mu     sync.Mutex
		cached int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PrefetchWorkers)
	for _, md := range media {
		if md.ID == "" {
			continue
		}
		if _, dup := seen[md.ID]; dup {
			continue
		}
		seen[md.ID] = struct{}{}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if h := m.Resolve(gctx, md.ID, md.URL); h != md.URL {
				mu.Lock()
				cached++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if usage, err := store.MediaUsage(ctx, m.store); err == nil {
		telemetry.MediaCacheBytes.Set(float64(usage))
	}
	return cached
}

func (m *Manager) handleURL(mediaID string) string {
	return m.cfg.HandlePrefix + url.PathEscape(mediaID)
}

// fileName maps an arbitrary media id onto a safe file name.
func fileName(mediaID string) string {
	if len(mediaID) > 150 {
		sum := sha256.Sum256([]byte(mediaID))
		return hex.EncodeToString(sum[:])
	}
	return base64.RawURLEncoding.EncodeToString([]byte(mediaID))
}
