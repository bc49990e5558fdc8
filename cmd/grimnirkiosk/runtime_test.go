/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingCollector struct {
	runs atomic.Int32
	err  error
}

func (c *countingCollector) RunGC() (int, error) {
	c.runs.Add(1)
	return 1, c.err
}

func TestBadgerGCServiceRunsUntilCancelled(t *testing.T) {
	logger = zerolog.Nop()

	tests := []struct {
		name string
		err  error
	}{
		{"collects", nil},
		{"keeps running after failure", errors.New("value log busy")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := &countingCollector{err: tt.err}
			svc := &badgerGCService{store: collector, interval: 5 * time.Millisecond}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- svc.Serve(ctx) }()

			deadline := time.Now().Add(2 * time.Second)
			for collector.runs.Load() < 2 {
				if time.Now().After(deadline) {
					t.Fatal("gc never ran twice")
				}
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Fatalf("serve returned %v", err)
			}
		})
	}

	if (&badgerGCService{}).String() != "badger-gc" {
		t.Fatal("unexpected service name")
	}
}
