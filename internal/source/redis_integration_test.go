/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

//go:build integration

package source

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// Run with: go test -tags integration -run TestRedisSource ./internal/source/...

func startRedis(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}

	container, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(context.Background(), "6379/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host + ":" + port.Port()
}

func TestRedisSource_Integration(t *testing.T) {
	addr := startRedis(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	src := NewRedis(cfg, zerolog.Nop())
	defer src.Close()

	admin := redis.NewClient(&redis.Options{Addr: addr})
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := src.Fetch(ctx, "d1"); err != ErrNoState {
		t.Fatalf("expected ErrNoState before publish, got %v", err)
	}

	state := models.DeviceState{DeviceID: "d1", Playlists: []models.Playlist{{ID: "p1", IsActive: true}}}
	payload, _ := json.Marshal(state)
	if err := admin.Set(ctx, "kiosk:device:d1:state", payload, 0).Err(); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	got, err := src.Fetch(ctx, "d1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got.Playlists) != 1 || got.Playlists[0].ID != "p1" {
		t.Fatalf("unexpected state %+v", got)
	}

	received := make(chan Envelope, 1)
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- src.Subscribe(subCtx, "d1", func(env Envelope) { received <- env })
	}()

	envelope := []byte(`{"type":"invalidate","device_id":"d1"}`)
	deadline := time.Now().Add(10 * time.Second)
	var env Envelope
	for env.Type == "" {
		if time.Now().After(deadline) {
			t.Fatal("no envelope received")
		}
		_ = admin.Publish(ctx, "kiosk:device:d1:events", envelope).Err()
		select {
		case env = <-received:
		case <-time.After(200 * time.Millisecond):
		}
	}
	if env.Type != EnvelopeInvalidate {
		t.Fatalf("envelope type = %q", env.Type)
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}

	if err := admin.HSet(ctx, "kiosk:device:d1:commands", "c1", "{}").Err(); err != nil {
		t.Fatalf("seed command: %v", err)
	}
	if err := src.AckCommand(ctx, "d1", "c1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if exists, _ := admin.HExists(ctx, "kiosk:device:d1:commands", "c1").Result(); exists {
		t.Fatal("acked command still pending")
	}

	if err := src.ReportTelemetry(ctx, TelemetryBatch{ID: "b1", DeviceID: "d1"}); err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if n, _ := admin.LLen(ctx, "kiosk:device:d1:telemetry").Result(); n != 1 {
		t.Fatalf("telemetry list length = %d", n)
	}
}
