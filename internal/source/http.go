/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
	"github.com/friendsincode/grimnir_kiosk/internal/version"
)

const (
	maxStateBytes = 8 << 20
	tracerName    = "grimnir-kiosk/source"
)

// HTTPConfig configures the HTTP source.
type HTTPConfig struct {
	BaseURL   string
	StreamURL string
	Token     string
	Timeout   time.Duration
	Client    *http.Client
}

// HTTPSource pulls state over REST and receives pushes over a websocket.
type HTTPSource struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
}

// StatusError reports an unexpected response status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// NewHTTP creates an HTTP source.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = telemetry.HTTPClient(cfg.Timeout)
	}
	logger = logger.With().Str("component", "source").Str("transport", "http").Logger()

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "source-http",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &HTTPSource{cfg: cfg, client: client, breaker: breaker, logger: logger}
}

func (s *HTTPSource) devicePath(deviceID string, parts ...string) string {
	p := s.cfg.BaseURL + "/devices/" + url.PathEscape(deviceID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (s *HTTPSource) do(ctx context.Context, method, target string, body any) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "source.http."+method)
	defer span.End()

	data, err := s.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, &StatusError{Method: method, URL: target, Code: resp.StatusCode}
		}
		out, err := io.ReadAll(io.LimitReader(resp.Body, maxStateBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return out, nil
	})
	telemetry.RecordError(span, err)
	return data, err
}

// Fetch pulls the current state for deviceID.
func (s *HTTPSource) Fetch(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	data, err := s.do(ctx, http.MethodGet, s.devicePath(deviceID, "state"), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrNoState
		}
		return nil, err
	}
	return DecodeState(data)
}

// AckCommand clears a consumed command at the source.
func (s *HTTPSource) AckCommand(ctx context.Context, deviceID, commandID string) error {
	ack := CommandAck{DeviceID: deviceID, CommandID: commandID, AckedAt: time.Now().UTC()}
	_, err := s.do(ctx, http.MethodPost, s.devicePath(deviceID, "commands", commandID, "ack"), ack)
	return err
}

// ReportTelemetry uploads a telemetry batch.
func (s *HTTPSource) ReportTelemetry(ctx context.Context, batch TelemetryBatch) error {
	_, err := s.do(ctx, http.MethodPost, s.devicePath(batch.DeviceID, "telemetry"), batch)
	return err
}

// Subscribe holds a websocket open and hands every decoded envelope to
// handle. It returns nil when ctx is cancelled and an error when the
// connection fails; reconnecting is the caller's job.
func (s *HTTPSource) Subscribe(ctx context.Context, deviceID string, handle Handler) error {
	if s.cfg.StreamURL == "" {
		return errors.New("no stream url configured")
	}
	target := s.cfg.StreamURL + "/devices/" + url.PathEscape(deviceID) + "/stream"

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	conn, _, err := ws.Dial(dialCtx, target, &ws.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close(ws.StatusNormalClosure, "unsubscribe")
	conn.SetReadLimit(maxStateBytes)

	s.logger.Info().Str("url", target).Msg("stream connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable stream frame")
			continue
		}
		handle(env)
	}
}

// Close is a no-op; connections are scoped to Subscribe calls.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
