/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// record queues a playback observation for the next flush. The queue is
// bounded; the oldest events are dropped first.
func (e *Engine) record(ev source.TelemetryEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, ev)
	if over := len(e.pending) - maxPendingEvents; over > 0 {
		e.pending = append(e.pending[:0:0], e.pending[over:]...)
	}
}

// PendingEvents reports how many observations await a flush.
func (e *Engine) PendingEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// FlushTelemetry sends queued observations as one batch. On failure the
// events are put back for the next attempt.
func (e *Engine) FlushTelemetry(ctx context.Context) error {
	if e.reporter == nil {
		return nil
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	batch := source.TelemetryBatch{
		ID:       uuid.NewString(),
		DeviceID: e.cfg.DeviceID,
		SentAt:   e.clock.Now().UTC(),
		Online:   e.sync.Online(),
		Events:   pending,
		Gauges: map[string]float64{
			"pending_events": float64(len(pending)),
		},
	}
	if e.degraded != nil {
		batch.Degraded = e.degraded()
	}
	if batch.Events == nil {
		batch.Events = []source.TelemetryEvent{}
	}

	if err := e.reporter.ReportTelemetry(ctx, batch); err != nil {
		telemetry.TelemetryFlushTotal.WithLabelValues("error").Inc()
		e.mu.Lock()
		e.pending = append(pending, e.pending...)
		if over := len(e.pending) - maxPendingEvents; over > 0 {
			e.pending = append(e.pending[:0:0], e.pending[over:]...)
		}
		e.mu.Unlock()
		return err
	}
	telemetry.TelemetryFlushTotal.WithLabelValues("ok").Inc()
	e.logger.Debug().Str("batch_id", batch.ID).Int("events", len(pending)).Msg("telemetry flushed")
	return nil
}

// telemetryLoop flushes on its own goroutine so a slow upload never holds
// up evaluation.
func (e *Engine) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := e.FlushTelemetry(flushCtx); err != nil {
				e.logger.Warn().Err(err).Msg("telemetry flush failed")
			}
			cancel()
		}
	}
}
