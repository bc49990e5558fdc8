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

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// Key prefixes for BadgerDB storage
const (
	entryKeyPrefix     = "entry:"
	mediaMetaKeyPrefix = "media_meta:"
	mediaDataKeyPrefix = "media_data:"
)

// BadgerStore keeps entries and blobs in an embedded BadgerDB. Entry TTLs are
// enforced by badger itself; blob payloads are stored apart from their
// metadata so listings never load media bytes.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadger(db), nil
}

// NewBadger wraps an open database.
func NewBadger(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func (s *BadgerStore) GetEntry(ctx context.Context, key string) (models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, ErrNotFound) {
		return models.CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("get entry %s: %w", key, err)
	}
	if entry.Expired(s.now()) {
		return models.CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *BadgerStore) PutEntry(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := s.now()
	data, err := json.Marshal(models.CacheEntry{
		Key:       key,
		Payload:   payload,
		WrittenAt: now.UTC(),
		ExpiresAt: expiryFor(now, ttl),
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(entryKeyPrefix+key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("set entry %s: %w", key, err)
		}
		return nil
	})
}

func (s *BadgerStore) DeleteEntry(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(entryKeyPrefix + key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete entry %s: %w", key, err)
		}
		return nil
	})
}

func (s *BadgerStore) GetMedia(ctx context.Context, id string) (models.MediaBlob, error) {
	var blob models.MediaBlob
	err := s.db.Update(func(txn *badger.Txn) error {
		info, err := readMediaMeta(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get([]byte(mediaDataKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		payload, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		info.AccessedAt = s.now().UTC()
		if err := writeMediaMeta(txn, info); err != nil {
			return err
		}

		blob = models.MediaBlob{
			ID:          id,
			Payload:     payload,
			ContentType: info.ContentType,
			Size:        info.Size,
			CachedAt:    info.CachedAt,
			AccessedAt:  info.AccessedAt,
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return models.MediaBlob{}, ErrNotFound
	}
	if err != nil {
		return models.MediaBlob{}, fmt.Errorf("get media %s: %w", id, err)
	}
	return blob, nil
}

func (s *BadgerStore) PutMedia(ctx context.Context, blob models.MediaBlob) error {
	now := s.now().UTC()
	meta := mediaMeta{
		ID:          blob.ID,
		ContentType: blob.ContentType,
		Size:        int64(len(blob.Payload)),
		CachedAt:    blob.CachedAt,
		AccessedAt:  blob.AccessedAt,
	}
	if meta.CachedAt.IsZero() {
		meta.CachedAt = now
	}
	if meta.AccessedAt.IsZero() {
		meta.AccessedAt = now
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(mediaDataKeyPrefix+blob.ID), blob.Payload); err != nil {
			return fmt.Errorf("set media %s: %w", blob.ID, err)
		}
		return writeMediaMeta(txn, meta)
	})
}

func (s *BadgerStore) ListMedia(ctx context.Context) ([]models.MediaBlobInfo, error) {
	var infos []models.MediaBlobInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mediaMetaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta mediaMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			infos = append(infos, models.MediaBlobInfo{
				ID:         meta.ID,
				Size:       meta.Size,
				CachedAt:   meta.CachedAt,
				AccessedAt: meta.AccessedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return infos, nil
}

func (s *BadgerStore) DeleteMedia(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{mediaMetaKeyPrefix + id, mediaDataKeyPrefix + id} {
			if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete media %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) ClearMedia(ctx context.Context) error {
	if err := s.db.DropPrefix([]byte(mediaMetaKeyPrefix), []byte(mediaDataKeyPrefix)); err != nil {
		return fmt.Errorf("clear media: %w", err)
	}
	return nil
}

// RunGC reclaims value log space, rewriting files until badger reports
// nothing left to collect. It returns the number of files rewritten.
func (s *BadgerStore) RunGC() (int, error) {
	rewritten := 0
	for {
		err := s.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			rewritten++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return rewritten, nil
		default:
			return rewritten, err
		}
	}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type mediaMeta struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CachedAt    time.Time `json:"cached_at"`
	AccessedAt  time.Time `json:"accessed_at"`
}

func readMediaMeta(txn *badger.Txn, id string) (mediaMeta, error) {
	var meta mediaMeta
	item, err := txn.Get([]byte(mediaMetaKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

func writeMediaMeta(txn *badger.Txn, meta mediaMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal media meta: %w", err)
	}
	return txn.Set([]byte(mediaMetaKeyPrefix+meta.ID), data)
}
