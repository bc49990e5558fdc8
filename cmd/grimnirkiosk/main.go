/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_kiosk/internal/config"
	"github.com/friendsincode/grimnir_kiosk/internal/engine"
	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/logbuffer"
	"github.com/friendsincode/grimnir_kiosk/internal/logging"
	"github.com/friendsincode/grimnir_kiosk/internal/rotation"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
	"github.com/friendsincode/grimnir_kiosk/internal/server"
	"github.com/friendsincode/grimnir_kiosk/internal/supervisor"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
	"github.com/friendsincode/grimnir_kiosk/internal/version"
)

var (
	logger     zerolog.Logger
	cfg        *config.Config
	recentLogs = logbuffer.New(2000)
)

var rootCmd = &cobra.Command{
	Use:           "grimnirkiosk",
	Short:         "Grimnir Kiosk - offline-first signage player",
	Long:          "Grimnir Kiosk keeps a display device playing its scheduled content, syncing state and media from the control plane whenever it is reachable.",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playback engine and the local HTTP surface",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.SetupWithWriter(cfg.Environment, cfg.LogLevel, logbuffer.NewWriter(recentLogs, nil))
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("device_id", cfg.DeviceID).Str("version", version.String()).Msg("Grimnir Kiosk starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "grimnir-kiosk",
		ServiceVersion: version.Version,
		DeviceID:       cfg.DeviceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	overnight, err := schedule.ParseOvernightPolicy(cfg.OvernightPolicy)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		DeviceID:          cfg.DeviceID,
		Location:          cfg.Location,
		EvalInterval:      cfg.EvalInterval,
		TelemetryInterval: cfg.TelemetryInterval,
		OvernightPolicy:   overnight,
		RebootCommand:     cfg.RebootCommand,
		Rotation: rotation.Config{
			DefaultImageDuration: cfg.ImageDuration,
			ProgressInterval:     cfg.ProgressInterval,
			FadeLead:             cfg.FadeLead,
		},
	}, engine.Deps{
		Sync:     rt.sync,
		Cache:    rt.media,
		Reporter: rt.source,
		Bus:      events.NewBus(),
		Degraded: rt.store.Degraded,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer eng.Close()

	srv, err := server.New(server.Options{
		Addr:     cfg.HTTPAddr(),
		Engine:   eng,
		Media:    rt.media,
		Logs:     recentLogs,
		Degraded: rt.store.Degraded,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddRuntimeService(eng)
	tree.AddAPIService(supervisor.NewHTTPService(srv.HTTPServer(), 10*time.Second))
	if database := rt.store.DB(); database != nil {
		tree.AddRuntimeService(&dbMetricsService{db: database, interval: 30 * time.Second})
	}
	if badgerStore := rt.store.Badger(); badgerStore != nil {
		tree.AddRuntimeService(&badgerGCService{store: badgerStore, interval: 10 * time.Minute})
	}

	logger.Info().Str("addr", cfg.HTTPAddr()).Msg("HTTP server listening")
	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	logger.Info().Msg("Grimnir Kiosk stopped")
	return nil
}
