package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a gorm DB connection for the configured store backend.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.StoreBackend {
	case config.StorePostgres:
		dialector = postgres.Open(cfg.StoreDSN)
	case config.StoreMySQL:
		dialector = mysql.Open(cfg.StoreDSN)
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.StoreDSN); dir != "." && cfg.StoreDSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown gorm store backend: %s", cfg.StoreBackend)
	}

	return Open(dialector, cfg.Environment == "development")
}

// Open connects through dialector, registers telemetry callbacks and tunes
// the pool. A kiosk has a single writer, so the pool stays small.
func Open(dialector gorm.Dialector, verbose bool) (*gorm.DB, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	if err := RegisterCallbacks(db); err != nil {
		return nil, fmt.Errorf("register callbacks: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	if dialector.Name() == "sqlite" {
		// Single writer; ":memory:" databases are per connection.
		sqlDB.SetMaxOpenConns(1)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// Close releases database resources.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
