/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// NATS subjects, keyed by device id.
func natsSubject(deviceID, suffix string) string {
	return "kiosk.device." + deviceID + "." + suffix
}

// NATSSource pulls state with request/reply and receives pushes on a
// per-device subject.
type NATSSource struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNATS connects to url. The connection retries in the background so a
// kiosk can boot while the broker is unreachable.
func NewNATS(url string, timeout time.Duration, logger zerolog.Logger) (*NATSSource, error) {
	logger = logger.With().Str("component", "source").Str("transport", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("grimnir-kiosk"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			telemetry.SourceReconnectsTotal.Inc()
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSWithConn(nc, timeout, logger), nil
}

func newNATSWithConn(nc *nats.Conn, timeout time.Duration, logger zerolog.Logger) *NATSSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSSource{nc: nc, timeout: timeout, logger: logger}
}

// Fetch requests the current state.
func (s *NATSSource) Fetch(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "source.nats.fetch")
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg, err := s.nc.RequestWithContext(reqCtx, natsSubject(deviceID, "state.get"), nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("request state: %w", err)
	}
	return DecodeState(msg.Data)
}

// Subscribe delivers envelopes published on the device events subject
// until ctx is cancelled or the connection closes for good.
func (s *NATSSource) Subscribe(ctx context.Context, deviceID string, handle Handler) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(natsSubject(deviceID, "events"), msgs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	closed := make(chan struct{})
	s.nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if s.nc.IsClosed() {
		return errors.New("nats connection closed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return errors.New("nats connection closed")
		case msg := <-msgs:
			env, err := DecodeEnvelope(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
				continue
			}
			handle(env)
		}
	}
}

// AckCommand publishes a command acknowledgement.
func (s *NATSSource) AckCommand(ctx context.Context, deviceID, commandID string) error {
	payload, err := json.Marshal(CommandAck{DeviceID: deviceID, CommandID: commandID, AckedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.nc.Publish(natsSubject(deviceID, "ack"), payload); err != nil {
		return fmt.Errorf("publish ack: %w", err)
	}
	return s.flush(ctx)
}

// ReportTelemetry publishes a telemetry batch.
func (s *NATSSource) ReportTelemetry(ctx context.Context, batch TelemetryBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(natsSubject(batch.DeviceID, "telemetry"), payload); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}
	return s.flush(ctx)
}

// flush waits for the server to see published messages. FlushWithContext
// requires a deadline.
func (s *NATSSource) flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.nc.FlushWithContext(ctx)
}

// Close drains the connection.
func (s *NATSSource) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}
