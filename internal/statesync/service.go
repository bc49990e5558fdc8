/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package statesync keeps the device's local copy of its content state in
// step with the remote source of truth.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/friendsincode/grimnir_kiosk/internal/clock"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/store"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

var (
	// ErrRateLimited is returned by PerformFullSync when called too often.
	ErrRateLimited = errors.New("sync rate limited")
	// ErrMalformedState reports a rejected state payload.
	ErrMalformedState = errors.New("malformed device state")
	// ErrNotInitialized is returned before Init or after Cleanup.
	ErrNotInitialized = errors.New("sync service not initialized")
)

// Sync triggers, also used as metric labels.
const (
	TriggerInitial   = "initial"
	TriggerPush      = "push"
	TriggerHint      = "invalidate"
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
)

// Source is the remote source of truth.
type Source interface {
	Fetch(ctx context.Context, deviceID string) (*models.DeviceState, error)
	Subscribe(ctx context.Context, deviceID string, handle source.Handler) error
	AckCommand(ctx context.Context, deviceID, commandID string) error
	ReportTelemetry(ctx context.Context, batch source.TelemetryBatch) error
}

// CacheClearer is the slice of the media cache the clear-cache command needs.
type CacheClearer interface {
	ClearAll(ctx context.Context) error
}

// UpdateFunc receives every accepted state. It runs on the sync goroutine.
type UpdateFunc func(*models.DeviceState)

// CommandFunc executes a command other than clear-cache.
type CommandFunc func(ctx context.Context, cmd models.Command) error

// Unsubscribe stops delivery started by Init.
type Unsubscribe func()

// Config tunes the service.
type Config struct {
	// RatePerMinute bounds PerformFullSync calls.
	RatePerMinute int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// CommandTTL is how long processed command ids are remembered.
	CommandTTL time.Duration
	Clock      clock.Clock
}

func (c *Config) applyDefaults() {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 6
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.CommandTTL <= 0 {
		c.CommandTTL = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// Service is the sync service. It owns the device state: it alone
// replaces it, and it hands out immutable snapshots.
type Service struct {
	cfg     Config
	src     Source
	store   store.Store
	cache   CacheClearer
	limiter *rate.Limiter
	logger  zerolog.Logger

	current atomic.Pointer[models.DeviceState]
	online  atomic.Bool

	mu        sync.Mutex
	deviceID  string
	onUpdate  UpdateFunc
	onCommand CommandFunc
	onOnline  func(bool)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pulls     chan string

	// applyMu serialises state replacement between the push receiver and
	// pulls; cmdMu serialises command handling.
	applyMu sync.Mutex
	cmdMu   sync.Mutex
}

// New creates a service. cache may be nil, in which case clear-cache
// commands only reach the command handler.
func New(cfg Config, src Source, st store.Store, cache CacheClearer, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:     cfg,
		src:     src,
		store:   st,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		logger:  logger.With().Str("component", "statesync").Logger(),
	}
}

// SetCommandHandler installs the executor for reload, identify and reboot.
func (s *Service) SetCommandHandler(fn CommandFunc) {
	s.mu.Lock()
	s.onCommand = fn
	s.mu.Unlock()
}

// SetOnlineHandler installs a callback for online flag changes.
func (s *Service) SetOnlineHandler(fn func(bool)) {
	s.mu.Lock()
	s.onOnline = fn
	s.mu.Unlock()
}

// Init delivers the persisted snapshot to onUpdate (if any), then starts
// the background pull and push subscription. Failures of the remote
// source never surface here; they flip the online flag.
func (s *Service) Init(ctx context.Context, deviceID string, onUpdate UpdateFunc) (Unsubscribe, error) {
	if deviceID == "" {
		return nil, errors.New("device id required")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil, errors.New("sync service already initialized")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.deviceID = deviceID
	s.onUpdate = onUpdate
	s.cancel = cancel
	s.pulls = make(chan string, 1)
	s.mu.Unlock()

	s.restore(ctx, deviceID)

	s.wg.Add(2)
	go s.pullLoop(runCtx)
	go s.subscribeLoop(runCtx)
	s.requestPull(TriggerInitial)

	return s.Cleanup, nil
}

// restore loads the persisted snapshot so the device can render before
// any network round trip.
func (s *Service) restore(ctx context.Context, deviceID string) {
	state, err := store.LoadState(ctx, s.store, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Info().Str("device_id", deviceID).Msg("no persisted state")
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("load persisted state failed")
		return
	}
	if err := state.Validate(deviceID); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring invalid persisted state")
		return
	}
	state.IsOnline = false
	s.current.Store(state)
	s.deliver(state)
	s.logger.Info().Time("last_sync_at", state.LastSyncAt).Int("playlists", len(state.Playlists)).Msg("restored persisted state")
}

// Cleanup stops the subscription and waits for background work. It is
// safe to call more than once and before Init.
func (s *Service) Cleanup() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.onUpdate = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("sync stopped")
}

// PerformFullSync pulls the complete state now.
func (s *Service) PerformFullSync(ctx context.Context) error {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if !running {
		return ErrNotInitialized
	}
	if !s.limiter.AllowN(s.cfg.Clock.Now(), 1) {
		telemetry.SyncTotal.WithLabelValues(TriggerManual, "rate_limited").Inc()
		return ErrRateLimited
	}
	return s.pull(ctx, TriggerManual)
}

// Online reports whether the last interaction with the source succeeded.
func (s *Service) Online() bool {
	return s.online.Load()
}

// Current returns the authoritative snapshot, or nil before the first
// state arrives. Callers must not modify it.
func (s *Service) Current() *models.DeviceState {
	return s.current.Load()
}

func (s *Service) requestPull(trigger string) {
	s.mu.Lock()
	pulls := s.pulls
	s.mu.Unlock()
	select {
	case pulls <- trigger:
	default:
	}
}

// pullLoop coalesces pull requests so a burst of invalidation hints costs
// one round trip.
func (s *Service) pullLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-s.pulls:
			if err := s.pull(ctx, trigger); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("trigger", trigger).Msg("state pull failed")
			}
		}
	}
}

func (s *Service) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()
	backoff := s.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		started := s.cfg.Clock.Now()
		err := s.src.Subscribe(ctx, s.deviceID, func(env source.Envelope) {
			s.handleEnvelope(ctx, env)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("subscription ended")
		}
		s.setOnline(false)
		telemetry.SourceReconnectsTotal.Inc()

		// A subscription that stayed up longer than the cap was healthy.
		if s.cfg.Clock.Now().Sub(started) > s.cfg.MaxBackoff {
			backoff = s.cfg.MinBackoff
		}
		s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("push subscription lost")
		if !sleepWithContext(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
		s.requestPull(TriggerReconnect)
	}
}

func (s *Service) handleEnvelope(ctx context.Context, env source.Envelope) {
	if env.DeviceID != "" && env.DeviceID != s.deviceID {
		s.logger.Warn().Str("envelope_device", env.DeviceID).Msg("ignoring envelope for another device")
		return
	}
	s.setOnline(true)
	switch env.Type {
	case source.EnvelopeState:
		if err := s.apply(ctx, env.State, TriggerPush); err != nil {
			s.logger.Warn().Err(err).Msg("rejected pushed state")
		}
	case source.EnvelopeInvalidate:
		s.requestPull(TriggerHint)
	case source.EnvelopeCommand:
		s.runCommands(ctx, []models.Command{*env.Command})
	}
}

func (s *Service) pull(ctx context.Context, trigger string) error {
	ctx, span := telemetry.StartSpan(ctx, "grimnir-kiosk/statesync", "statesync.pull")
	defer span.End()

	state, err := s.src.Fetch(ctx, s.deviceID)
	switch {
	case errors.Is(err, source.ErrNoState):
		s.setOnline(true)
		telemetry.SyncTotal.WithLabelValues(trigger, "empty").Inc()
		return nil
	case errors.Is(err, source.ErrMalformed):
		s.setOnline(true)
		telemetry.SyncTotal.WithLabelValues(trigger, "rejected").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	case err != nil:
		s.setOnline(false)
		telemetry.SyncTotal.WithLabelValues(trigger, "error").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("fetch state: %w", err)
	}
	s.setOnline(true)
	err = s.apply(ctx, state, trigger)
	telemetry.RecordError(span, err)
	return err
}

// apply validates and installs a full replacement state. Invalid payloads
// leave the previous state authoritative.
func (s *Service) apply(ctx context.Context, incoming *models.DeviceState, trigger string) error {
	if err := incoming.Validate(s.deviceID); err != nil {
		telemetry.SyncTotal.WithLabelValues(trigger, "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	s.applyMu.Lock()
	state := incoming.Clone()
	commands := state.Commands
	state.Commands = nil
	state.IsOnline = true
	state.LastSyncAt = s.cfg.Clock.Now().UTC()
	s.lint(state)

	s.current.Store(state)
	if err := store.SaveState(ctx, s.store, state); err != nil {
		s.logger.Warn().Err(err).Msg("persist state failed")
	}
	telemetry.SyncTotal.WithLabelValues(trigger, "ok").Inc()
	telemetry.SyncLastSuccess.Set(float64(state.LastSyncAt.Unix()))
	s.logger.Debug().Str("trigger", trigger).Int("playlists", len(state.Playlists)).Msg("state applied")

	s.deliver(state)
	s.applyMu.Unlock()

	s.runCommands(ctx, commands)
	return nil
}

// Refresh schedules a pull without waiting for it or consuming the manual
// sync budget.
func (s *Service) Refresh() {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if running {
		s.requestPull(TriggerHint)
	}
}

func (s *Service) runCommands(ctx context.Context, cmds []models.Command) {
	if len(cmds) == 0 {
		return
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	for _, cmd := range cmds {
		s.handleCommand(ctx, cmd)
	}
}

func (s *Service) deliver(state *models.DeviceState) {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// handleCommand runs a command at most once. The id is recorded before
// acknowledging and executing so a reboot cannot replay it. Callers hold
// cmdMu.
func (s *Service) handleCommand(ctx context.Context, cmd models.Command) {
	log := s.logger.With().Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Logger()
	if err := cmd.Validate(); err != nil {
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "rejected").Inc()
		log.Warn().Err(err).Msg("rejected command")
		return
	}

	key := store.CommandKey(cmd.ID)
	if _, err := s.store.GetEntry(ctx, key); err == nil {
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "duplicate").Inc()
		s.ack(ctx, cmd, log)
		return
	}

	payload, _ := json.Marshal(cmd)
	if err := s.store.PutEntry(ctx, key, payload, s.cfg.CommandTTL); err != nil {
		log.Warn().Err(err).Msg("record command failed")
	}
	s.ack(ctx, cmd, log)

	result := "ok"
	if err := s.execute(ctx, cmd); err != nil {
		result = "error"
		log.Error().Err(err).Msg("command failed")
	} else {
		log.Info().Msg("command executed")
	}
	telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), result).Inc()
}

func (s *Service) execute(ctx context.Context, cmd models.Command) error {
	s.mu.Lock()
	fn := s.onCommand
	s.mu.Unlock()

	if cmd.Type == models.CommandClearCache && s.cache != nil {
		if err := s.cache.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear media cache: %w", err)
		}
	}
	if fn == nil {
		if cmd.Type == models.CommandClearCache {
			return nil
		}
		return fmt.Errorf("no handler for %s", cmd.Type)
	}
	return fn(ctx, cmd)
}

func (s *Service) ack(ctx context.Context, cmd models.Command, log zerolog.Logger) {
	if err := s.src.AckCommand(ctx, s.deviceID, cmd.ID); err != nil {
		log.Warn().Err(err).Msg("command ack failed")
	}
}

func (s *Service) setOnline(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	if online {
		telemetry.SourceOnline.Set(1)
		s.logger.Info().Msg("source online")
	} else {
		telemetry.SourceOnline.Set(0)
		s.logger.Warn().Msg("source offline")
	}
	s.mu.Lock()
	fn := s.onOnline
	s.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// lint logs windows the evaluator will handle surprisingly.
func (s *Service) lint(state *models.DeviceState) {
	report := func(kind, id string, w models.Window) {
		for _, problem := range schedule.Lint(w) {
			s.logger.Warn().Str(kind, id).Msg(problem)
		}
	}
	for _, p := range state.Playlists {
		report("playlist_id", p.ID, p.Window)
		for _, c := range p.Channels {
			report("channel_id", c.ID, c.Window)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
