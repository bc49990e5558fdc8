/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestNATSSource(t *testing.T) {
	url := startNATS(t)

	peer, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect peer: %v", err)
	}
	defer peer.Close()

	if _, err := peer.Subscribe("kiosk.device.d1.state.get", func(m *nats.Msg) {
		_ = m.Respond([]byte(`{"device_id":"d1","playlists":[]}`))
	}); err != nil {
		t.Fatalf("responder: %v", err)
	}
	acks := make(chan *nats.Msg, 1)
	if _, err := peer.ChanSubscribe("kiosk.device.d1.ack", acks); err != nil {
		t.Fatalf("ack subscriber: %v", err)
	}
	if err := peer.Flush(); err != nil {
		t.Fatalf("flush peer: %v", err)
	}

	src, err := NewNATS(url, 2*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("new nats source: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := src.Fetch(ctx, "d1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state.DeviceID != "d1" {
		t.Fatalf("unexpected state %+v", state)
	}

	got := make(chan Envelope, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- src.Subscribe(subCtx, "d1", func(env Envelope) { got <- env })
	}()

	// The subscription is registered asynchronously; publish until it lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
waiting:
	for {
		select {
		case env := <-got:
			if env.Type != EnvelopeInvalidate {
				t.Fatalf("unexpected envelope %+v", env)
			}
			break waiting
		case <-tick.C:
			_ = peer.Publish("kiosk.device.d1.events", []byte(`{"type":"invalidate","device_id":"d1"}`))
		case <-deadline:
			t.Fatal("no envelope received")
		}
	}
	subCancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}

	if err := src.AckCommand(ctx, "d1", "c1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	select {
	case m := <-acks:
		var ack CommandAck
		if err := json.Unmarshal(m.Data, &ack); err != nil || ack.CommandID != "c1" {
			t.Fatalf("unexpected ack %s (%v)", m.Data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ack not published")
	}
}
