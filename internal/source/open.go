/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/config"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// Transport is the behaviour shared by every source.
type Transport interface {
	Fetch(ctx context.Context, deviceID string) (*models.DeviceState, error)
	Subscribe(ctx context.Context, deviceID string, handle Handler) error
	AckCommand(ctx context.Context, deviceID, commandID string) error
	ReportTelemetry(ctx context.Context, batch TelemetryBatch) error
	Close() error
}

var (
	_ Transport = (*HTTPSource)(nil)
	_ Transport = (*NATSSource)(nil)
	_ Transport = (*RedisSource)(nil)
)

// Open builds the transport selected by cfg.
func Open(cfg *config.Config, logger zerolog.Logger) (Transport, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		return NewHTTP(HTTPConfig{
			BaseURL:   cfg.SourceURL,
			StreamURL: cfg.SourceStreamURL,
			Token:     cfg.SourceToken,
		}, logger), nil
	case config.SourceNATS:
		return NewNATS(cfg.NATSURL, 0, logger)
	case config.SourceRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedis(rc, logger), nil
	default:
		return nil, fmt.Errorf("unsupported source %q", cfg.Source)
	}
}
