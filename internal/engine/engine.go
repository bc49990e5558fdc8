/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine is the device view. It holds the last accepted state,
// re-evaluates what should be on screen on a fixed tick, drives rotation
// and publishes playback snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/clock"
	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/rotation"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
	"github.com/friendsincode/grimnir_kiosk/internal/selector"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/statesync"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

const (
	identifyDuration = 30 * time.Second
	maxPendingEvents = 1000
)

// Syncer is the slice of the sync service the engine drives.
type Syncer interface {
	Init(ctx context.Context, deviceID string, onUpdate statesync.UpdateFunc) (statesync.Unsubscribe, error)
	PerformFullSync(ctx context.Context) error
	Refresh()
	Online() bool
	SetCommandHandler(statesync.CommandFunc)
	SetOnlineHandler(func(bool))
}

// MediaCache resolves media to local handles.
type MediaCache interface {
	Handle(mediaID string) (string, bool)
	Prefetch(ctx context.Context, media []models.Media) int
	ClearAll(ctx context.Context) error
}

// Reporter receives telemetry batches.
type Reporter interface {
	ReportTelemetry(ctx context.Context, batch source.TelemetryBatch) error
}

// Config tunes the engine.
type Config struct {
	DeviceID          string
	Location          *time.Location
	EvalInterval      time.Duration
	TelemetryInterval time.Duration
	OvernightPolicy   schedule.OvernightPolicy
	Rotation          rotation.Config
	RebootCommand     string
}

// Deps are the collaborators the engine is wired to. Reporter, Bus and
// Degraded may be nil.
type Deps struct {
	Sync     Syncer
	Cache    MediaCache
	Reporter Reporter
	Bus      *events.Bus
	Clock    clock.Clock
	Degraded func() bool
}

// Snapshot is what the playback surface renders.
type Snapshot struct {
	At             time.Time             `json:"at"`
	DeviceID       string                `json:"device_id"`
	Online         bool                  `json:"online"`
	Kind           selector.Kind         `json:"kind"`
	BlockedMessage string                `json:"blocked_message,omitempty"`
	Override       *models.OverrideMedia `json:"override,omitempty"`
	PlaylistID     string                `json:"playlist_id,omitempty"`
	ChannelID      string                `json:"channel_id,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Items          []models.PlaylistItem `json:"items,omitempty"`
	Rotation       rotation.Status       `json:"rotation"`
	Identify       bool                  `json:"identify,omitempty"`
	LastSyncAt     time.Time             `json:"last_sync_at"`
}

// Engine owns the device view.
type Engine struct {
	cfg      Config
	sync     Syncer
	cache    MediaCache
	reporter Reporter
	bus      *events.Bus
	clock    clock.Clock
	degraded func() bool
	selector *selector.Selector
	rotation *rotation.Controller
	logger   zerolog.Logger

	state         atomic.Pointer[models.DeviceState]
	snapshot      atomic.Pointer[Snapshot]
	identifyUntil atomic.Int64

	mu      sync.Mutex
	lastSel selector.Selection
	pending []source.TelemetryEvent

	evalKick     chan struct{}
	prefetchKick chan struct{}
}

// New wires an engine. Rotation timers start with the first evaluation.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("engine: device id required")
	}
	if deps.Sync == nil || deps.Cache == nil {
		return nil, errors.New("engine: sync and cache are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 30 * time.Second
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 5 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}

	e := &Engine{
		cfg:          cfg,
		sync:         deps.Sync,
		cache:        deps.Cache,
		reporter:     deps.Reporter,
		bus:          deps.Bus,
		clock:        deps.Clock,
		degraded:     deps.Degraded,
		selector:     selector.New(schedule.Evaluator{Overnight: cfg.OvernightPolicy}),
		logger:       logger.With().Str("component", "engine").Logger(),
		evalKick:     make(chan struct{}, 1),
		prefetchKick: make(chan struct{}, 1),
	}
	e.rotation = rotation.New(deps.Clock, cfg.Rotation, rotation.Hooks{
		OnTransition: e.onTransition,
		OnProgress:   e.onProgress,
		OnFade:       e.onFade,
	}, logger)

	e.sync.SetCommandHandler(e.handleCommand)
	e.sync.SetOnlineHandler(e.onOnline)
	return e, nil
}

// Serve runs the sync subscription, the evaluation tick, prefetching and
// the telemetry flush until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	unsubscribe, err := e.sync.Init(ctx, e.cfg.DeviceID, e.OnState)
	if err != nil {
		return fmt.Errorf("init sync: %w", err)
	}
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.telemetryLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.prefetchLoop(ctx)
	}()

	e.Evaluate()
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("eval_interval", e.cfg.EvalInterval).Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			e.rotation.Stop()
			wg.Wait()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.FlushTelemetry(flushCtx); err != nil {
				e.logger.Debug().Err(err).Msg("final telemetry flush failed")
			}
			cancel()
			e.logger.Info().Msg("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Evaluate()
		case <-e.evalKick:
			e.Evaluate()
		}
	}
}

// String names the service in supervisor logs.
func (e *Engine) String() string { return "engine" }

// Close stops rotation timers for good. Serve already stops them when its
// context ends; Close additionally prevents any later restart.
func (e *Engine) Close() {
	e.rotation.Close()
}

// OnState installs a new authoritative state and schedules evaluation and
// prefetching. It is the sync service's update callback.
func (e *Engine) OnState(state *models.DeviceState) {
	e.state.Store(state)
	kick(e.evalKick)
	kick(e.prefetchKick)
	e.bus.Publish(events.EventStateUpdated, events.Payload{
		"device_id":    state.DeviceID,
		"playlists":    len(state.Playlists),
		"last_sync_at": state.LastSyncAt,
	})
}

// State returns the last accepted state.
func (e *Engine) State() *models.DeviceState {
	return e.state.Load()
}

// Evaluate resolves the current content, hands items to rotation and
// publishes a snapshot.
func (e *Engine) Evaluate() Snapshot {
	now := e.clock.Now().In(e.cfg.Location)
	sel := e.selector.Resolve(e.state.Load(), now)
	telemetry.EvaluationsTotal.WithLabelValues(string(sel.Kind)).Inc()

	e.mu.Lock()
	prev := e.lastSel
	e.lastSel = sel
	e.mu.Unlock()

	if prev.Kind != sel.Kind || prev.PlaylistID != sel.PlaylistID || prev.ChannelID != sel.ChannelID {
		e.logger.Info().
			Str("kind", string(sel.Kind)).
			Str("playlist_id", sel.PlaylistID).
			Str("channel_id", sel.ChannelID).
			Str("reason", sel.Reason).
			Msg("selection changed")
		e.record(source.TelemetryEvent{Type: "selection_changed", At: now, Detail: string(sel.Kind)})
	}

	if sel.Kind == selector.KindItems {
		e.rotation.SetItems(sel.Items)
	} else {
		e.rotation.SetItems(nil)
	}
	return e.publishSnapshot()
}

// Snapshot returns the most recent snapshot, evaluating if none exists.
func (e *Engine) Snapshot() Snapshot {
	if s := e.snapshot.Load(); s != nil {
		return *s
	}
	return e.Evaluate()
}

// Bus exposes the event bus snapshots are published on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Next skips to the next item.
func (e *Engine) Next() Snapshot {
	e.rotation.Next()
	return e.Snapshot()
}

// Prev returns to the previous item.
func (e *Engine) Prev() Snapshot {
	e.rotation.Prev()
	return e.Snapshot()
}

// ItemFinished reports that an untimed item ended on screen.
func (e *Engine) ItemFinished(itemID string) Snapshot {
	e.rotation.ItemFinished(itemID)
	return e.Snapshot()
}

// Sync forces a rate-limited pull from the source.
func (e *Engine) Sync(ctx context.Context) error {
	return e.sync.PerformFullSync(ctx)
}

// ClearCache drops every cached media handle and blob.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.cache.ClearAll(ctx); err != nil {
		return err
	}
	e.afterCacheClear()
	return nil
}

func (e *Engine) afterCacheClear() {
	e.bus.Publish(events.EventCacheClear, events.Payload{"device_id": e.cfg.DeviceID})
	e.publishSnapshot()
	kick(e.prefetchKick)
}

func (e *Engine) publishSnapshot() Snapshot {
	now := e.clock.Now()
	state := e.state.Load()

	e.mu.Lock()
	sel := e.lastSel
	e.mu.Unlock()

	snap := Snapshot{
		At:             now,
		DeviceID:       e.cfg.DeviceID,
		Online:         e.sync.Online(),
		Kind:           sel.Kind,
		BlockedMessage: sel.BlockedMessage,
		PlaylistID:     sel.PlaylistID,
		ChannelID:      sel.ChannelID,
		Reason:         sel.Reason,
		Rotation:       e.rotation.Status(),
		Identify:       now.UnixNano() < e.identifyUntil.Load(),
	}
	if state != nil {
		snap.LastSyncAt = state.LastSyncAt
	}
	if sel.Override != nil {
		o := *sel.Override
		o.Media = e.annotate(o.Media)
		snap.Override = &o
	}
	if len(sel.Items) > 0 {
		snap.Items = make([]models.PlaylistItem, len(sel.Items))
		for i, it := range sel.Items {
			it.Media = e.annotate(it.Media)
			snap.Items[i] = it
		}
	}
	if snap.Rotation.Item != nil {
		item := *snap.Rotation.Item
		item.Media = e.annotate(item.Media)
		snap.Rotation.Item = &item
	}

	e.snapshot.Store(&snap)
	e.bus.Publish(events.EventSnapshot, events.Payload{"snapshot": snap})
	return snap
}

// annotate sets the local handle if the media is cached, otherwise the
// remote URL so playback can stream.
func (e *Engine) annotate(m models.Media) models.Media {
	if h, ok := e.cache.Handle(m.ID); ok {
		m.LocalHandle = h
	} else {
		m.LocalHandle = m.URL
	}
	return m
}

func (e *Engine) onTransition(s rotation.Status) {
	telemetry.RotationTransitionsTotal.Inc()
	if s.Item != nil {
		e.record(source.TelemetryEvent{
			Type:    "item_started",
			At:      e.clock.Now(),
			ItemID:  s.Item.ID,
			MediaID: s.Item.Media.ID,
		})
	}
	e.publishSnapshot()
}

func (e *Engine) onProgress(s rotation.Status) {
	e.bus.Publish(events.EventProgress, events.Payload{
		"index":     s.Index,
		"elapsed":   s.Elapsed.Milliseconds(),
		"remaining": s.Remaining.Milliseconds(),
		"progress":  s.Progress,
	})
}

func (e *Engine) onFade(item models.PlaylistItem) {
	e.bus.Publish(events.EventFade, events.Payload{"item_id": item.ID})
}

func (e *Engine) onOnline(online bool) {
	eventType := events.EventOffline
	if online {
		eventType = events.EventOnline
	}
	e.bus.Publish(eventType, events.Payload{"device_id": e.cfg.DeviceID})
	e.record(source.TelemetryEvent{Type: string(eventType), At: e.clock.Now()})
}

func (e *Engine) prefetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.prefetchKick:
			e.Prefetch(ctx)
		}
	}
}

// Prefetch downloads every media asset the current state references and
// republishes the snapshot so new handles reach the screen.
func (e *Engine) Prefetch(ctx context.Context) int {
	media := referencedMedia(e.state.Load())
	if len(media) == 0 {
		return 0
	}
	cached := e.cache.Prefetch(ctx, media)
	e.logger.Debug().Int("referenced", len(media)).Int("cached", cached).Msg("prefetch complete")
	if ctx.Err() == nil {
		e.publishSnapshot()
	}
	return cached
}

// referencedMedia lists media in selection-relevant order: override first,
// then playlists by position.
func referencedMedia(state *models.DeviceState) []models.Media {
	if state == nil {
		return nil
	}
	var media []models.Media
	if state.OverrideMedia != nil {
		media = append(media, state.OverrideMedia.Media)
	}
	for _, p := range state.Playlists {
		if !p.IsActive {
			continue
		}
		for _, it := range p.Items {
			media = append(media, it.Media)
		}
		for _, c := range p.Channels {
			if !c.IsActive {
				continue
			}
			for _, it := range c.Items {
				media = append(media, it.Media)
			}
		}
	}
	return media
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
