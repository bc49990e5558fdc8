/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// CacheEntry is a generic keyed payload with an optional expiry.
// A zero ExpiresAt never expires.
type CacheEntry struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:256"`
	Payload   []byte
	WrittenAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// TableName pins the table name across gorm naming strategies.
func (CacheEntry) TableName() string { return "cache_entries" }

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// MediaBlob is a cached binary asset keyed by media id.
type MediaBlob struct {
	ID          string `gorm:"primaryKey;size:128"`
	Payload     []byte
	ContentType string `gorm:"size:128"`
	Size        int64
	CachedAt    time.Time
	AccessedAt  time.Time `gorm:"index"`
}

// TableName pins the table name across gorm naming strategies.
func (MediaBlob) TableName() string { return "media_blobs" }

// MediaBlobInfo is blob metadata without the payload.
type MediaBlobInfo struct {
	ID         string
	Size       int64
	CachedAt   time.Time
	AccessedAt time.Time
}
