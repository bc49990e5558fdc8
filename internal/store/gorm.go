/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// GormStore keeps entries and blobs in SQL tables.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGorm wraps a migrated database.
func NewGorm(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) GetEntry(ctx context.Context, key string) (models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("get entry %s: %w", key, err)
	}
	if entry.Expired(s.now()) {
		_ = s.DeleteEntry(ctx, key)
		return models.CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *GormStore) PutEntry(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := s.now()
	entry := models.CacheEntry{
		Key:       key,
		Payload:   payload,
		WrittenAt: now.UTC(),
		ExpiresAt: expiryFor(now, ttl),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("put entry %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) DeleteEntry(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&models.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) GetMedia(ctx context.Context, id string) (models.MediaBlob, error) {
	var blob models.MediaBlob
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MediaBlob{}, ErrNotFound
	}
	if err != nil {
		return models.MediaBlob{}, fmt.Errorf("get media %s: %w", id, err)
	}

	blob.AccessedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.MediaBlob{}).
		Where("id = ?", id).
		Update("accessed_at", blob.AccessedAt).Error; err != nil {
		return models.MediaBlob{}, fmt.Errorf("touch media %s: %w", id, err)
	}
	return blob, nil
}

func (s *GormStore) PutMedia(ctx context.Context, blob models.MediaBlob) error {
	now := s.now().UTC()
	if blob.CachedAt.IsZero() {
		blob.CachedAt = now
	}
	if blob.AccessedAt.IsZero() {
		blob.AccessedAt = now
	}
	blob.Size = int64(len(blob.Payload))
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&blob).Error
	if err != nil {
		return fmt.Errorf("put media %s: %w", blob.ID, err)
	}
	return nil
}

func (s *GormStore) ListMedia(ctx context.Context) ([]models.MediaBlobInfo, error) {
	var infos []models.MediaBlobInfo
	err := s.db.WithContext(ctx).Model(&models.MediaBlob{}).
		Select("id", "size", "cached_at", "accessed_at").
		Order("accessed_at").
		Find(&infos).Error
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return infos, nil
}

func (s *GormStore) DeleteMedia(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.MediaBlob{}).Error; err != nil {
		return fmt.Errorf("delete media %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) ClearMedia(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.MediaBlob{}).Error; err != nil {
		return fmt.Errorf("clear media: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the *gorm.DB.
func (s *GormStore) Close() error {
	return nil
}
