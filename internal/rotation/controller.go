/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rotation advances through the active item list over time.
package rotation

import (
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_kiosk/internal/clock"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// Defaults applied when Config fields are zero.
const (
	DefaultImageDuration    = 10 * time.Second
	DefaultProgressInterval = 100 * time.Millisecond
)

// State enumerates controller states.
type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
)

// Config tunes rotation timing.
type Config struct {
	DefaultImageDuration time.Duration
	ProgressInterval     time.Duration
	// FadeLead fires Hooks.OnFade this long before a timed item ends.
	// Zero disables fade notifications.
	FadeLead time.Duration
}

// Hooks receive controller notifications. They run outside the controller
// lock and may call back into the controller.
type Hooks struct {
	OnTransition func(Status)
	OnProgress   func(Status)
	OnFade       func(models.PlaylistItem)
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State                `json:"state"`
	Index     int                  `json:"index"`
	Count     int                  `json:"count"`
	Item      *models.PlaylistItem `json:"item,omitempty"`
	Timed     bool                 `json:"timed"`
	Duration  time.Duration        `json:"duration"`
	Elapsed   time.Duration        `json:"elapsed"`
	Remaining time.Duration        `json:"remaining"`
	Progress  float64              `json:"progress"`
}

// Controller owns the item list, the current index and the three named
// timers (item, progress, fade). Every transition cancels all three.
type Controller struct {
	clock  clock.Clock
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger

	mu        sync.Mutex
	items     []models.PlaylistItem
	index     int
	startedAt time.Time
	duration  time.Duration
	timed     bool
	gen       uint64
	closed    bool

	itemTimer     clock.Timer
	progressTimer clock.Timer
	fadeTimer     clock.Timer
}

// New creates an idle controller.
func New(clk clock.Clock, cfg Config, hooks Hooks, logger zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.DefaultImageDuration <= 0 {
		cfg.DefaultImageDuration = DefaultImageDuration
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	return &Controller{
		clock:  clk,
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With().Str("component", "rotation").Logger(),
	}
}

// SetItems installs a new item list. A list equal by value to the current
// one is ignored so periodic re-evaluation does not restart playback.
func (c *Controller) SetItems(items []models.PlaylistItem) {
	c.mu.Lock()
	if c.closed || sameItems(c.items, items) {
		c.mu.Unlock()
		return
	}
	c.items = append([]models.PlaylistItem(nil), items...)
	c.index = 0
	status := c.startLocked()
	c.mu.Unlock()

	c.logger.Debug().Int("count", len(items)).Msg("item list changed")
	c.notifyTransition(status)
}

// Next advances one item, wrapping at the end.
func (c *Controller) Next() {
	c.step(1)
}

// Prev moves back one item, wrapping at the start.
func (c *Controller) Prev() {
	c.step(-1)
}

// ItemFinished is called by the playback surface when an item ends on its
// own (typically an untimed video). A signal for an item that is no longer
// current is ignored. An empty itemID matches the current item.
func (c *Controller) ItemFinished(itemID string) {
	c.mu.Lock()
	if c.closed || len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	if itemID != "" && c.items[c.index].ID != itemID {
		c.mu.Unlock()
		c.logger.Debug().Str("item_id", itemID).Msg("ignoring finished signal for stale item")
		return
	}
	c.index = (c.index + 1) % len(c.items)
	status := c.startLocked()
	c.mu.Unlock()

	c.notifyTransition(status)
}

// Status reports the current position and progress.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Stop cancels all timers and drops the item list without closing the
// controller; the next SetItems starts from the first item.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.gen++
	c.cancelTimersLocked()
	c.items = nil
	c.index = 0
	c.timed = false
	c.duration = 0
}

// Close cancels all timers. Further calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.cancelTimersLocked()
}

func (c *Controller) step(delta int) {
	c.mu.Lock()
	if c.closed || len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	n := len(c.items)
	c.index = ((c.index+delta)%n + n) % n
	status := c.startLocked()
	c.mu.Unlock()

	c.notifyTransition(status)
}

// startLocked begins the item at c.index and arms its timers.
func (c *Controller) startLocked() Status {
	c.cancelTimersLocked()
	c.gen++

	if len(c.items) == 0 {
		c.index = 0
		c.timed = false
		c.duration = 0
		return c.statusLocked()
	}

	item := c.items[c.index]
	c.startedAt = c.clock.Now()
	c.duration, c.timed = c.itemDuration(item)

	if c.timed {
		gen := c.gen
		c.itemTimer = c.clock.AfterFunc(c.duration, func() { c.onItemTimer(gen) })
		c.progressTimer = c.clock.AfterFunc(c.cfg.ProgressInterval, func() { c.onProgress(gen) })
		if c.cfg.FadeLead > 0 && c.hooks.OnFade != nil {
			c.fadeTimer = c.clock.AfterFunc(max(c.duration-c.cfg.FadeLead, 0), func() { c.onFade(gen) })
		}
	}
	return c.statusLocked()
}

func (c *Controller) onItemTimer(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	c.index = (c.index + 1) % len(c.items)
	status := c.startLocked()
	c.mu.Unlock()

	c.notifyTransition(status)
}

// onProgress samples elapsed time for UI progress bars. It never advances.
func (c *Controller) onProgress(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	status := c.statusLocked()
	c.progressTimer = c.clock.AfterFunc(c.cfg.ProgressInterval, func() { c.onProgress(gen) })
	c.mu.Unlock()

	if c.hooks.OnProgress != nil {
		c.hooks.OnProgress(status)
	}
}

func (c *Controller) onFade(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	item := c.items[c.index]
	c.fadeTimer = nil
	c.mu.Unlock()

	c.hooks.OnFade(item)
}

func (c *Controller) cancelTimersLocked() {
	for _, t := range []*clock.Timer{&c.itemTimer, &c.progressTimer, &c.fadeTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (c *Controller) statusLocked() Status {
	if len(c.items) == 0 {
		return Status{State: StateIdle}
	}
	item := c.items[c.index]
	s := Status{
		State:    StatePlaying,
		Index:    c.index,
		Count:    len(c.items),
		Item:     &item,
		Timed:    c.timed,
		Duration: c.duration,
		Elapsed:  c.clock.Now().Sub(c.startedAt),
	}
	if s.Timed && s.Duration > 0 {
		s.Elapsed = min(s.Elapsed, s.Duration)
		s.Remaining = s.Duration - s.Elapsed
		s.Progress = float64(s.Elapsed) / float64(s.Duration)
	}
	return s
}

// itemDuration returns how long a timed item plays. Videos without a
// duration override are untimed and wait for ItemFinished.
func (c *Controller) itemDuration(item models.PlaylistItem) (time.Duration, bool) {
	if item.DurationOverride != nil && *item.DurationOverride > 0 {
		return time.Duration(*item.DurationOverride) * time.Second, true
	}
	if item.Media.Type == models.MediaVideo {
		return 0, false
	}
	if item.Media.Duration > 0 {
		return time.Duration(item.Media.Duration) * time.Second, true
	}
	return c.cfg.DefaultImageDuration, true
}

func (c *Controller) notifyTransition(s Status) {
	if c.hooks.OnTransition != nil {
		c.hooks.OnTransition(s)
	}
}

func sameItems(a, b []models.PlaylistItem) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
