/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.CacheEntry{},
		&models.MediaBlob{},
	); err != nil {
		return err
	}

	if err := purgeExpiredEntries(database, time.Now()); err != nil {
		return err
	}
	return nil
}

// purgeExpiredEntries drops cache rows that expired while the device was off.
func purgeExpiredEntries(database *gorm.DB, now time.Time) error {
	var entries []models.CacheEntry
	if err := database.Select("cache_key", "expires_at").Find(&entries).Error; err != nil {
		return fmt.Errorf("scan cache entries: %w", err)
	}

	expired := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Expired(now) {
			expired = append(expired, e.Key)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	if err := database.Where("cache_key IN ?", expired).Delete(&models.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("purge expired cache entries: %w", err)
	}
	return nil
}
