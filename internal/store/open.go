/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_kiosk/internal/config"
	"github.com/friendsincode/grimnir_kiosk/internal/db"
)

// Open builds the configured backend wrapped in a Resilient store. A backend
// that cannot be opened is logged and the store starts in memory mode; the
// device keeps playing either way.
func Open(cfg *config.Config, logger zerolog.Logger) *Resilient {
	primary, err := openPrimary(cfg)
	if err != nil {
		logger.Error().Err(err).Str("backend", string(cfg.StoreBackend)).Msg("durable store unavailable; running in memory")
		return NewResilient(nil, logger)
	}
	logger.Info().Str("backend", string(cfg.StoreBackend)).Msg("durable store opened")
	return NewResilient(primary, logger)
}

func openPrimary(cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreBadger:
		return OpenBadger(cfg.StorePath)
	case config.StoreSQLite, config.StorePostgres, config.StoreMySQL:
		database, err := db.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			_ = db.Close(database)
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &ownedGorm{GormStore: NewGorm(database), database: database}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// ownedGorm closes the connection it opened.
type ownedGorm struct {
	*GormStore
	database *gorm.DB
}

func (o *ownedGorm) Close() error {
	return db.Close(o.database)
}

// DB returns the SQL connection behind r, or nil for badger and memory
// backends.
func (r *Resilient) DB() *gorm.DB {
	if g, ok := r.primary.(*ownedGorm); ok {
		return g.database
	}
	return nil
}

// Badger returns the badger backend behind r, or nil for other backends.
func (r *Resilient) Badger() *BadgerStore {
	b, _ := r.primary.(*BadgerStore)
	return b
}
