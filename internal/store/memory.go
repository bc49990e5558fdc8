/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"sync"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// MemoryStore is a process-local store. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	media   map[string]models.MediaBlob
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]models.CacheEntry),
		media:   make(map[string]models.MediaBlob),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetEntry(ctx context.Context, key string) (models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return models.CacheEntry{}, ErrNotFound
	}
	if entry.Expired(s.now()) {
		delete(s.entries, key)
		return models.CacheEntry{}, ErrNotFound
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, nil
}

func (s *MemoryStore) PutEntry(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = models.CacheEntry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		WrittenAt: now.UTC(),
		ExpiresAt: expiryFor(now, ttl),
	}
	return nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) GetMedia(ctx context.Context, id string) (models.MediaBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.media[id]
	if !ok {
		return models.MediaBlob{}, ErrNotFound
	}
	blob.AccessedAt = s.now().UTC()
	s.media[id] = blob
	return blob, nil
}

func (s *MemoryStore) PutMedia(ctx context.Context, blob models.MediaBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if blob.CachedAt.IsZero() {
		blob.CachedAt = now
	}
	if blob.AccessedAt.IsZero() {
		blob.AccessedAt = now
	}
	blob.Size = int64(len(blob.Payload))
	s.media[blob.ID] = blob
	return nil
}

func (s *MemoryStore) ListMedia(ctx context.Context) ([]models.MediaBlobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]models.MediaBlobInfo, 0, len(s.media))
	for _, b := range s.media {
		infos = append(infos, models.MediaBlobInfo{ID: b.ID, Size: b.Size, CachedAt: b.CachedAt, AccessedAt: b.AccessedAt})
	}
	return infos, nil
}

func (s *MemoryStore) DeleteMedia(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.media, id)
	return nil
}

func (s *MemoryStore) ClearMedia(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.media)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
