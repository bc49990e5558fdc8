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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// redisKey builds the per-device key for suffix.
func redisKey(deviceID, suffix string) string {
	return "kiosk:device:" + deviceID + ":" + suffix
}

// RedisSource reads the state snapshot from a key, receives pushes over
// pub/sub, and keeps pending commands in a hash.
type RedisSource struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedis creates a Redis source. An unreachable server is logged, not
// fatal: pulls fail until it comes back and the offline flag reflects it.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) *RedisSource {
	logger = logger.With().Str("component", "source").Str("transport", "redis").Logger()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable at startup")
	} else {
		logger.Info().Str("addr", cfg.Addr).Msg("redis source initialized")
	}
	return &RedisSource{client: client, logger: logger}
}

// NewRedisFromClient wraps an existing client, for example a cluster or
// sentinel client. The source closes it on Close.
func NewRedisFromClient(client redis.UniversalClient, logger zerolog.Logger) *RedisSource {
	return &RedisSource{
		client: client,
		logger: logger.With().Str("component", "source").Str("transport", "redis").Logger(),
	}
}

// Fetch reads the state snapshot key.
func (s *RedisSource) Fetch(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "source.redis.fetch")
	defer span.End()

	data, err := s.client.Get(ctx, redisKey(deviceID, "state")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoState
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("get state: %w", err)
	}
	return DecodeState(data)
}

// Subscribe receives envelopes on the device events channel.
func (s *RedisSource) Subscribe(ctx context.Context, deviceID string, handle Handler) error {
	channel := redisKey(deviceID, "events")
	pubsub := s.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Receive blocks until the subscription is confirmed, surfacing
	// connection errors to the caller's backoff loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s.logger.Debug().Str("channel", channel).Msg("started redis message receiver")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis channel closed")
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
				continue
			}
			handle(env)
		}
	}
}

// AckCommand removes the command from the pending hash.
func (s *RedisSource) AckCommand(ctx context.Context, deviceID, commandID string) error {
	if err := s.client.HDel(ctx, redisKey(deviceID, "commands"), commandID).Err(); err != nil {
		return fmt.Errorf("ack command: %w", err)
	}
	return nil
}

// ReportTelemetry appends the batch to the device telemetry list.
func (s *RedisSource) ReportTelemetry(ctx context.Context, batch TelemetryBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, redisKey(batch.DeviceID, "telemetry"), payload).Err(); err != nil {
		return fmt.Errorf("push telemetry: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
