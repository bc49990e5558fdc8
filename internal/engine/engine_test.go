/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/clock"
	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/rotation"
	"github.com/friendsincode/grimnir_kiosk/internal/selector"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/statesync"
)

type fakeSync struct {
	initState    *models.DeviceState
	online       atomic.Bool
	refreshes    atomic.Int32
	unsubscribed atomic.Bool
	syncErr      error

	mu       sync.Mutex
	command  statesync.CommandFunc
	onOnline func(bool)
}

func (f *fakeSync) Init(ctx context.Context, deviceID string, onUpdate statesync.UpdateFunc) (statesync.Unsubscribe, error) {
	if f.initState != nil {
		onUpdate(f.initState)
	}
	return func() { f.unsubscribed.Store(true) }, nil
}

func (f *fakeSync) PerformFullSync(ctx context.Context) error { return f.syncErr }
func (f *fakeSync) Refresh()                                  { f.refreshes.Add(1) }
func (f *fakeSync) Online() bool                              { return f.online.Load() }

func (f *fakeSync) SetCommandHandler(fn statesync.CommandFunc) {
	f.mu.Lock()
	f.command = fn
	f.mu.Unlock()
}

func (f *fakeSync) SetOnlineHandler(fn func(bool)) {
	f.mu.Lock()
	f.onOnline = fn
	f.mu.Unlock()
}

func (f *fakeSync) run(ctx context.Context, cmd models.Command) error {
	f.mu.Lock()
	fn := f.command
	f.mu.Unlock()
	return fn(ctx, cmd)
}

type fakeCache struct {
	mu       sync.Mutex
	handles  map[string]string
	prefetch [][]models.Media
	clears   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{handles: make(map[string]string)}
}

func (c *fakeCache) Handle(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	return h, ok
}

func (c *fakeCache) Prefetch(ctx context.Context, media []models.Media) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = append(c.prefetch, media)
	for _, m := range media {
		c.handles[m.ID] = "/media/" + m.ID
	}
	return len(media)
}

func (c *fakeCache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	clear(c.handles)
	return nil
}

type fakeReporter struct {
	mu      sync.Mutex
	batches []source.TelemetryBatch
	err     error
}

func (r *fakeReporter) ReportTelemetry(ctx context.Context, batch source.TelemetryBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, batch)
	return nil
}

func image(id string, seconds int) models.PlaylistItem {
	return models.PlaylistItem{
		ID:    "item-" + id,
		Media: models.Media{ID: id, Type: models.MediaImage, URL: "https://cdn/" + id + ".png", Duration: seconds},
	}
}

func stateWith(playlists ...models.Playlist) *models.DeviceState {
	return &models.DeviceState{DeviceID: "d1", Playlists: playlists}
}

type harness struct {
	engine   *Engine
	clock    *clock.Fake
	sync     *fakeSync
	cache    *fakeCache
	reporter *fakeReporter
	bus      *events.Bus
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(start),
		sync:     &fakeSync{},
		cache:    newFakeCache(),
		reporter: &fakeReporter{},
		bus:      events.NewBus(),
	}
	e, err := New(Config{
		DeviceID: "d1",
		Location: time.UTC,
		Rotation: rotation.Config{ProgressInterval: time.Second},
	}, Deps{
		Sync:     h.sync,
		Cache:    h.cache,
		Reporter: h.reporter,
		Bus:      h.bus,
		Clock:    h.clock,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestEvaluateAnnotatesHandles(t *testing.T) {
	h := newHarness(t, noon)
	h.cache.handles["a"] = "/media/a"
	h.engine.OnState(stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5), image("b", 5)}}))

	snap := h.engine.Evaluate()
	if snap.Kind != selector.KindItems || snap.PlaylistID != "p1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if got := snap.Items[0].Media.LocalHandle; got != "/media/a" {
		t.Fatalf("cached media handle = %q", got)
	}
	if got := snap.Items[1].Media.LocalHandle; got != "https://cdn/b.png" {
		t.Fatalf("uncached media should fall back to url, got %q", got)
	}
	if snap.Rotation.State != rotation.StatePlaying || snap.Rotation.Item.ID != "item-a" {
		t.Fatalf("unexpected rotation %+v", snap.Rotation)
	}
	if snap.Rotation.Item.Media.LocalHandle != "/media/a" {
		t.Fatal("rotation item not annotated")
	}
}

func TestEvaluationTickStartsPlaylistAtBoundary(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 2, 8, 59, 50, 0, time.UTC))
	h.engine.OnState(stateWith(models.Playlist{
		ID: "morning", IsActive: true,
		Window: models.Window{StartTime: "09:00", EndTime: "10:00"},
		Items:  []models.PlaylistItem{image("a", 5)},
	}))

	if snap := h.engine.Evaluate(); snap.Kind != selector.KindEmpty || snap.Reason != selector.ReasonNoPlaylist {
		t.Fatalf("expected empty before window, got %+v", snap)
	}
	h.clock.Advance(30 * time.Second)
	if snap := h.engine.Evaluate(); snap.Kind != selector.KindItems {
		t.Fatalf("expected items after window start, got %+v", snap)
	}
}

func TestOverrideExpiresBackToItems(t *testing.T) {
	h := newHarness(t, noon)
	state := stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5)}})
	state.OverrideMedia = &models.OverrideMedia{
		ID:        "o1",
		Media:     models.Media{ID: "alert", Type: models.MediaImage, URL: "https://cdn/alert.png"},
		ExpiresAt: noon.Add(time.Minute),
	}
	h.engine.OnState(state)

	snap := h.engine.Evaluate()
	if snap.Kind != selector.KindOverride || snap.Override.Media.LocalHandle != "https://cdn/alert.png" {
		t.Fatalf("expected override, got %+v", snap)
	}
	if snap.Rotation.State != rotation.StateIdle {
		t.Fatal("rotation must be idle while an override shows")
	}

	h.clock.Advance(2 * time.Minute)
	if snap := h.engine.Evaluate(); snap.Kind != selector.KindItems {
		t.Fatalf("expected items after override expiry, got %+v", snap)
	}
}

func TestRotationTransitionPublishesSnapshot(t *testing.T) {
	h := newHarness(t, noon)
	sub := h.bus.Subscribe(events.EventSnapshot)
	h.engine.OnState(stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5), image("b", 5)}}))
	h.engine.Evaluate()
	for len(sub) > 0 {
		<-sub
	}

	h.clock.Advance(5 * time.Second)

	var last Snapshot
	for len(sub) > 0 {
		p := <-sub
		last = p["snapshot"].(Snapshot)
	}
	if last.Rotation.Item == nil || last.Rotation.Item.ID != "item-b" {
		t.Fatalf("expected snapshot for item-b, got %+v", last.Rotation)
	}
	if got := h.engine.Snapshot().Rotation.Index; got != 1 {
		t.Fatalf("stored snapshot index = %d", got)
	}
}

func TestReevaluationKeepsRotationPosition(t *testing.T) {
	h := newHarness(t, noon)
	h.engine.OnState(stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5), image("b", 5)}}))
	h.engine.Evaluate()
	h.engine.Next()

	// A prefetch that turns remote URLs into local handles must not restart
	// rotation either.
	h.engine.Prefetch(context.Background())
	if snap := h.engine.Evaluate(); snap.Rotation.Index != 1 {
		t.Fatalf("re-evaluation reset rotation to %d", snap.Rotation.Index)
	}
}

func TestBlockedStopsRotation(t *testing.T) {
	h := newHarness(t, noon)
	state := stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5)}})
	state.IsBlocked = true
	h.engine.OnState(state)

	snap := h.engine.Evaluate()
	if snap.Kind != selector.KindBlocked || snap.BlockedMessage != selector.DefaultBlockedMessage {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no rotation timers while blocked, got %d", h.clock.Pending())
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t, noon)
	ctx := context.Background()
	h.engine.OnState(stateWith())

	if err := h.sync.run(ctx, models.Command{ID: "c1", Type: models.CommandReload}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if h.sync.refreshes.Load() != 1 {
		t.Fatal("reload should request a pull")
	}

	if err := h.sync.run(ctx, models.Command{ID: "c2", Type: models.CommandIdentify}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !h.engine.Snapshot().Identify {
		t.Fatal("expected identify flag")
	}
	h.clock.Advance(identifyDuration + time.Second)
	if h.engine.Evaluate().Identify {
		t.Fatal("identify flag should expire")
	}

	cleared := h.bus.Subscribe(events.EventCacheClear)
	if err := h.sync.run(ctx, models.Command{ID: "c3", Type: models.CommandClearCache}); err != nil {
		t.Fatalf("clear-cache: %v", err)
	}
	select {
	case <-cleared:
	default:
		t.Fatal("expected cache cleared event")
	}

	err := h.sync.run(ctx, models.Command{ID: "c4", Type: models.CommandReboot})
	if !errors.Is(err, ErrRebootUnavailable) {
		t.Fatalf("expected ErrRebootUnavailable, got %v", err)
	}
}

func TestRebootRunsConfiguredCommand(t *testing.T) {
	h := newHarness(t, noon)
	h.engine.cfg.RebootCommand = "true"
	if err := h.engine.reboot(context.Background()); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	h.engine.cfg.RebootCommand = "false"
	if err := h.engine.reboot(context.Background()); err == nil {
		t.Fatal("expected failing reboot command to error")
	}
}

func TestFlushTelemetry(t *testing.T) {
	h := newHarness(t, noon)
	h.engine.OnState(stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5), image("b", 5)}}))
	h.engine.Evaluate()
	h.clock.Advance(5 * time.Second)

	pending := h.engine.PendingEvents()
	if pending < 3 {
		t.Fatalf("expected selection and item events, got %d", pending)
	}

	h.reporter.err = errors.New("offline")
	if err := h.engine.FlushTelemetry(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if h.engine.PendingEvents() != pending {
		t.Fatal("failed flush must keep events")
	}

	h.reporter.err = nil
	if err := h.engine.FlushTelemetry(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if h.engine.PendingEvents() != 0 {
		t.Fatal("flush should drain events")
	}
	batch := h.reporter.batches[0]
	if batch.ID == "" || batch.DeviceID != "d1" || len(batch.Events) != pending {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestPendingEventsBounded(t *testing.T) {
	h := newHarness(t, noon)
	for i := 0; i < maxPendingEvents+50; i++ {
		h.engine.record(source.TelemetryEvent{Type: "x", Detail: "n"})
	}
	if got := h.engine.PendingEvents(); got != maxPendingEvents {
		t.Fatalf("pending = %d, want %d", got, maxPendingEvents)
	}
}

func TestReferencedMediaSkipsInactive(t *testing.T) {
	state := stateWith(
		models.Playlist{ID: "on", IsActive: true, Items: []models.PlaylistItem{image("a", 5)}},
		models.Playlist{ID: "off", IsActive: false, Items: []models.PlaylistItem{image("b", 5)}},
		models.Playlist{ID: "chan", IsActive: true, HasChannels: true, Channels: []models.Channel{
			{ID: "c1", IsActive: true, Items: []models.PlaylistItem{image("c", 5)}},
			{ID: "c2", IsActive: false, Items: []models.PlaylistItem{image("d", 5)}},
		}},
	)
	state.OverrideMedia = &models.OverrideMedia{ID: "o", Media: models.Media{ID: "o"}, ExpiresAt: noon}

	var ids []string
	for _, m := range referencedMedia(state) {
		ids = append(ids, m.ID)
	}
	want := []string{"o", "a", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestServeRunsUntilCancelled(t *testing.T) {
	h := newHarness(t, noon)
	h.sync.initState = stateWith(models.Playlist{ID: "p1", IsActive: true, Items: []models.PlaylistItem{image("a", 5)}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := h.engine.snapshot.Load(); s != nil && s.Kind == selector.KindItems {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never evaluated the initial state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.cache.Handle("a"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never prefetched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v", err)
	}
	if !h.sync.unsubscribed.Load() {
		t.Fatal("serve must unsubscribe on exit")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("rotation timers left armed after serve: %d", n)
	}

	// A supervisor restart resumes rotation.
	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- h.engine.Serve(ctx) }()
	deadline = time.Now().Add(2 * time.Second)
	for h.clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rotation not restarted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
