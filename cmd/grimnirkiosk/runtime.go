/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_kiosk/internal/db"
	"github.com/friendsincode/grimnir_kiosk/internal/mediacache"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/statesync"
	"github.com/friendsincode/grimnir_kiosk/internal/storage"
	"github.com/friendsincode/grimnir_kiosk/internal/store"
)

// runtime holds the collaborators shared by serve, sync and cache.
type runtime struct {
	store  *store.Resilient
	source source.Transport
	media  *mediacache.Manager
	sync   *statesync.Service

	closers []func() error
}

func openRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	rt.store = store.Open(cfg, logger)
	rt.deferClose(rt.store.Close)

	media, err := openMediaCache(ctx, rt.store)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.media = media

	src, err := source.Open(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open source: %w", err)
	}
	rt.source = src
	rt.deferClose(src.Close)

	rt.sync = statesync.New(statesync.Config{
		RatePerMinute: cfg.SyncRatePerMinute,
		MaxBackoff:    cfg.ReconnectMaxBackoff,
	}, src, rt.store, rt.media, logger)
	rt.deferClose(func() error {
		rt.sync.Cleanup()
		return nil
	})
	return rt, nil
}

// openMediaCache wires the cache to HTTP and, when S3 can be configured,
// object storage origins. It needs no source connection.
func openMediaCache(ctx context.Context, st store.Store) (*mediacache.Manager, error) {
	var objects mediacache.Fetcher
	s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3UsePathStyle,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("s3 origin unavailable; s3:// media will not be cached")
	} else {
		objects = mediacache.NewObjectFetcher(s3Store, logger)
	}

	media, err := mediacache.New(mediacache.Config{
		Dir:             cfg.HandleDir,
		MaxBytes:        cfg.MediaCacheMaxBytes(),
		FetchTimeout:    cfg.MediaFetchTimeout,
		PrefetchWorkers: cfg.PrefetchWorkers,
	}, st, mediacache.NewRouter(mediacache.NewHTTPFetcher(nil, logger), objects), logger)
	if err != nil {
		return nil, fmt.Errorf("open media cache: %w", err)
	}
	return media, nil
}

func (rt *runtime) deferClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}
	rt.closers = nil
}

// dbMetricsService samples connection pool gauges.
type dbMetricsService struct {
	db       *gorm.DB
	interval time.Duration
}

func (s *dbMetricsService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			db.UpdateConnectionMetrics(s.db)
		}
	}
}

func (s *dbMetricsService) String() string { return "db-metrics" }

type valueLogCollector interface {
	RunGC() (int, error)
}

// badgerGCService reclaims badger value log space left behind by
// overwritten and cleared media blobs.
type badgerGCService struct {
	store    valueLogCollector
	interval time.Duration
}

func (s *badgerGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rewritten, err := s.store.RunGC()
			if err != nil {
				logger.Warn().Err(err).Msg("badger value log gc failed")
				continue
			}
			if rewritten > 0 {
				logger.Debug().Int("files", rewritten).Msg("badger value log compacted")
			}
		}
	}
}

func (s *badgerGCService) String() string { return "badger-gc" }
