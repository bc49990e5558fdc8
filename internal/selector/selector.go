/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package selector resolves the content a device should show from a
// DeviceState and an instant. It never mutates its inputs.
package selector

import (
	"cmp"
	"slices"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
)

// DefaultBlockedMessage is shown when a blocked state carries no message.
const DefaultBlockedMessage = "This display is currently unavailable"

// Kind enumerates resolution outcomes in precedence order.
type Kind string

const (
	KindBlocked  Kind = "blocked"
	KindOverride Kind = "override"
	KindItems    Kind = "items"
	KindEmpty    Kind = "empty"
)

// Advisory reasons for KindEmpty. Diagnostics only.
const (
	ReasonNoState    = "no device state"
	ReasonNoPlaylist = "no active playlist"
	ReasonNoChannel  = "no active channel"
	ReasonPlaylist   = "playlist empty"
	ReasonChannel    = "channel empty"
)

// Selection is the result of ResolveCurrentContent.
type Selection struct {
	Kind           Kind                  `json:"kind"`
	BlockedMessage string                `json:"blocked_message,omitempty"`
	Override       *models.OverrideMedia `json:"override,omitempty"`
	Items          []models.PlaylistItem `json:"items,omitempty"`
	PlaylistID     string                `json:"playlist_id,omitempty"`
	ChannelID      string                `json:"channel_id,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

// Selector carries the evaluator used for window checks.
type Selector struct {
	eval schedule.Evaluator
}

// New creates a selector with the given evaluator.
func New(eval schedule.Evaluator) *Selector {
	return &Selector{eval: eval}
}

var defaultSelector = New(schedule.Default)

// GetActivePlaylist returns the highest priority playlist that is in window
// and has something to play. Equal priorities keep input order.
func GetActivePlaylist(state *models.DeviceState, now time.Time) *models.Playlist {
	return defaultSelector.ActivePlaylist(state, now)
}

// GetActiveChannel returns the channel a channel-based playlist should play.
func GetActiveChannel(p *models.Playlist, now time.Time) *models.Channel {
	return defaultSelector.ActiveChannel(p, now)
}

// GetActiveItems returns the item list for the active playlist or channel.
func GetActiveItems(state *models.DeviceState, now time.Time) []models.PlaylistItem {
	return defaultSelector.ActiveItems(state, now)
}

// ResolveCurrentContent applies blocked > override > items > empty.
func ResolveCurrentContent(state *models.DeviceState, now time.Time) Selection {
	return defaultSelector.Resolve(state, now)
}

// ActivePlaylist is GetActivePlaylist with this selector's evaluator.
func (s *Selector) ActivePlaylist(state *models.DeviceState, now time.Time) *models.Playlist {
	if state == nil {
		return nil
	}

	candidates := make([]*models.Playlist, 0, len(state.Playlists))
	for i := range state.Playlists {
		p := &state.Playlists[i]
		if !s.eval.PlaylistActive(p, now) {
			continue
		}
		if !s.hasContent(p, now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	slices.SortStableFunc(candidates, func(a, b *models.Playlist) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return candidates[0]
}

// ActiveChannel is GetActiveChannel with this selector's evaluator.
func (s *Selector) ActiveChannel(p *models.Playlist, now time.Time) *models.Channel {
	if p == nil {
		return nil
	}

	var normal, fallback *models.Channel
	for i := range p.Channels {
		c := &p.Channels[i]
		if !s.eval.ChannelActive(c, now) {
			continue
		}
		if c.IsFallback {
			if fallback == nil || c.Position < fallback.Position {
				fallback = c
			}
			continue
		}
		if normal == nil || c.Position < normal.Position {
			normal = c
		}
	}
	if normal != nil {
		return normal
	}
	return fallback
}

// ActiveItems is GetActiveItems with this selector's evaluator.
func (s *Selector) ActiveItems(state *models.DeviceState, now time.Time) []models.PlaylistItem {
	items, _, _, _ := s.activeItems(state, now)
	return items
}

// Resolve is ResolveCurrentContent with this selector's evaluator.
func (s *Selector) Resolve(state *models.DeviceState, now time.Time) Selection {
	if state == nil {
		return Selection{Kind: KindEmpty, Reason: ReasonNoState}
	}
	if state.IsBlocked {
		msg := state.BlockedMessage
		if msg == "" {
			msg = DefaultBlockedMessage
		}
		return Selection{Kind: KindBlocked, BlockedMessage: msg}
	}
	if state.OverrideMedia.ActiveAt(now) {
		o := *state.OverrideMedia
		return Selection{Kind: KindOverride, Override: &o}
	}

	items, playlistID, channelID, reason := s.activeItems(state, now)
	if len(items) == 0 {
		return Selection{Kind: KindEmpty, PlaylistID: playlistID, ChannelID: channelID, Reason: reason}
	}
	return Selection{Kind: KindItems, Items: items, PlaylistID: playlistID, ChannelID: channelID}
}

func (s *Selector) activeItems(state *models.DeviceState, now time.Time) (items []models.PlaylistItem, playlistID, channelID, reason string) {
	p := s.ActivePlaylist(state, now)
	if p == nil {
		return nil, "", "", ReasonNoPlaylist
	}
	if !p.HasChannels {
		items = s.filterItems(p.Items, now)
		if len(items) == 0 {
			return nil, p.ID, "", ReasonPlaylist
		}
		return items, p.ID, "", ""
	}

	c := s.ActiveChannel(p, now)
	if c == nil {
		return nil, p.ID, "", ReasonNoChannel
	}
	items = s.filterItems(c.Items, now)
	if len(items) == 0 {
		return nil, p.ID, c.ID, ReasonChannel
	}
	return items, p.ID, c.ID, ""
}

func (s *Selector) hasContent(p *models.Playlist, now time.Time) bool {
	if p.HasChannels {
		return s.ActiveChannel(p, now) != nil
	}
	return len(s.filterItems(p.Items, now)) > 0
}

// filterItems drops items whose own window excludes now. The result is a
// fresh slice; the state's backing arrays are never shared with callers.
func (s *Selector) filterItems(items []models.PlaylistItem, now time.Time) []models.PlaylistItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]models.PlaylistItem, 0, len(items))
	for i := range items {
		if items[i].Window.IsZero() || s.eval.ItemActive(&items[i], now) {
			out = append(out, items[i])
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
