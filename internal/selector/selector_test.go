/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package selector

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 10, 16, hour, minute, 0, 0, time.UTC)
}

func imageItem(id string, seconds int) models.PlaylistItem {
	d := seconds
	return models.PlaylistItem{
		ID:               id,
		Media:            models.Media{ID: "m-" + id, Type: models.MediaImage, URL: "https://cdn.example.com/" + id + ".jpg", Duration: 5},
		DurationOverride: &d,
	}
}

func flatPlaylist(id string, priority int, items ...models.PlaylistItem) models.Playlist {
	return models.Playlist{ID: id, Name: id, IsActive: true, Priority: priority, Items: items}
}

func TestGetActivePlaylistPriority(t *testing.T) {
	state := &models.DeviceState{
		DeviceID: "dev-1",
		Playlists: []models.Playlist{
			flatPlaylist("low", 5, imageItem("a", 10)),
			flatPlaylist("high", 10, imageItem("b", 10)),
		},
	}
	got := GetActivePlaylist(state, at(12, 0))
	if got == nil || got.ID != "high" {
		t.Fatalf("expected priority 10 playlist, got %+v", got)
	}
}

func TestGetActivePlaylistStableOnTies(t *testing.T) {
	state := &models.DeviceState{
		Playlists: []models.Playlist{
			flatPlaylist("first", 3, imageItem("a", 10)),
			flatPlaylist("second", 3, imageItem("b", 10)),
			flatPlaylist("third", 3, imageItem("c", 10)),
		},
	}
	for i := 0; i < 20; i++ {
		got := GetActivePlaylist(state, at(12, 0))
		if got == nil || got.ID != "first" {
			t.Fatalf("iteration %d: expected first playlist, got %+v", i, got)
		}
	}
}

func TestGetActivePlaylistSkipsEmptyAndInactive(t *testing.T) {
	empty := flatPlaylist("empty", 100)
	inactive := flatPlaylist("inactive", 50, imageItem("x", 10))
	inactive.IsActive = false
	noChannel := models.Playlist{
		ID: "channels", IsActive: true, Priority: 40, HasChannels: true,
		Channels: []models.Channel{{ID: "c", IsActive: false, Items: []models.PlaylistItem{imageItem("y", 10)}}},
	}
	state := &models.DeviceState{Playlists: []models.Playlist{empty, inactive, noChannel, flatPlaylist("ok", 1, imageItem("z", 10))}}

	got := GetActivePlaylist(state, at(12, 0))
	if got == nil || got.ID != "ok" {
		t.Fatalf("expected ok playlist, got %+v", got)
	}
	if GetActivePlaylist(&models.DeviceState{}, at(12, 0)) != nil {
		t.Fatal("expected nil for a state without playlists")
	}
	if GetActivePlaylist(nil, at(12, 0)) != nil {
		t.Fatal("expected nil for nil state")
	}
}

func TestGetActiveChannel(t *testing.T) {
	tests := []struct {
		name     string
		channels []models.Channel
		want     string
	}{
		{
			name: "lone fallback wins when no normal channel is active",
			channels: []models.Channel{
				{ID: "closed", IsActive: true, Position: 1, Window: models.Window{StartTime: "01:00", EndTime: "02:00"}},
				{ID: "fallback", IsActive: true, IsFallback: true, Position: 9},
			},
			want: "fallback",
		},
		{
			name: "normal beats fallback regardless of position",
			channels: []models.Channel{
				{ID: "fallback", IsActive: true, IsFallback: true, Position: 0},
				{ID: "normal", IsActive: true, Position: 7},
			},
			want: "normal",
		},
		{
			name: "lowest position among normal channels",
			channels: []models.Channel{
				{ID: "b", IsActive: true, Position: 3},
				{ID: "a", IsActive: true, Position: 2},
				{ID: "c", IsActive: true, Position: 4},
			},
			want: "a",
		},
		{
			name: "lowest position among fallbacks",
			channels: []models.Channel{
				{ID: "f2", IsActive: true, IsFallback: true, Position: 5},
				{ID: "f1", IsActive: true, IsFallback: true, Position: 1},
			},
			want: "f1",
		},
		{
			name: "inactive fallback is ignored",
			channels: []models.Channel{
				{ID: "f", IsActive: false, IsFallback: true},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Playlist{ID: "p", IsActive: true, HasChannels: true, Channels: tt.channels}
			got := GetActiveChannel(p, at(12, 0))
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("GetActiveChannel() = %q, want %q", gotID, tt.want)
			}
		})
	}
}

func TestResolveBlockedWins(t *testing.T) {
	state := &models.DeviceState{
		IsBlocked: true,
		OverrideMedia: &models.OverrideMedia{
			ID: "o", Media: models.Media{ID: "om", Type: models.MediaImage, URL: "u"}, ExpiresAt: at(23, 0),
		},
		Playlists: []models.Playlist{flatPlaylist("p", 1, imageItem("a", 10))},
	}
	sel := ResolveCurrentContent(state, at(12, 0))
	if sel.Kind != KindBlocked || sel.BlockedMessage != DefaultBlockedMessage {
		t.Fatalf("expected default blocked selection, got %+v", sel)
	}

	state.BlockedMessage = "Maintenance"
	if sel := ResolveCurrentContent(state, at(12, 0)); sel.BlockedMessage != "Maintenance" {
		t.Fatalf("expected custom message, got %q", sel.BlockedMessage)
	}
}

func TestResolveOverride(t *testing.T) {
	state := &models.DeviceState{
		OverrideMedia: &models.OverrideMedia{
			ID: "o", Media: models.Media{ID: "om", Type: models.MediaVideo, URL: "u"}, ExpiresAt: at(13, 0),
		},
		Playlists: []models.Playlist{flatPlaylist("p", 1000, imageItem("a", 10))},
	}

	sel := ResolveCurrentContent(state, at(12, 0))
	if sel.Kind != KindOverride || sel.Override == nil || sel.Override.ID != "o" {
		t.Fatalf("expected override, got %+v", sel)
	}

	sel = ResolveCurrentContent(state, at(13, 0))
	if sel.Kind != KindItems || sel.PlaylistID != "p" {
		t.Fatalf("expected expired override to fall through, got %+v", sel)
	}
}

func TestResolveEmptyReasons(t *testing.T) {
	if sel := ResolveCurrentContent(nil, at(12, 0)); sel.Kind != KindEmpty || sel.Reason != ReasonNoState {
		t.Fatalf("nil state: %+v", sel)
	}
	if sel := ResolveCurrentContent(&models.DeviceState{}, at(12, 0)); sel.Reason != ReasonNoPlaylist {
		t.Fatalf("no playlists: %+v", sel)
	}

	state := &models.DeviceState{Playlists: []models.Playlist{{
		ID: "p", IsActive: true, HasChannels: true,
		Channels: []models.Channel{{ID: "c", IsActive: true}},
	}}}
	if sel := ResolveCurrentContent(state, at(12, 0)); sel.Kind != KindEmpty || sel.Reason != ReasonChannel || sel.ChannelID != "c" {
		t.Fatalf("empty channel: %+v", sel)
	}
}

func TestResolveIdempotent(t *testing.T) {
	state := &models.DeviceState{
		DeviceID: "dev",
		Playlists: []models.Playlist{
			flatPlaylist("a", 1, imageItem("1", 10), imageItem("2", 20)),
			{
				ID: "b", IsActive: true, Priority: 2, HasChannels: true,
				Channels: []models.Channel{
					{ID: "promo", IsActive: true, Position: 1, Items: []models.PlaylistItem{imageItem("3", 5)}, Window: models.Window{StartTime: "08:00", EndTime: "09:00"}},
					{ID: "default", IsActive: true, IsFallback: true, Position: 2, Items: []models.PlaylistItem{imageItem("4", 5)}},
				},
			},
		},
	}
	now := at(8, 30)

	first, err := json.Marshal(ResolveCurrentContent(state, now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(ResolveCurrentContent(state, now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("resolution not idempotent:\n%s\n%s", first, second)
	}
}

func TestScenarioBusinessHours(t *testing.T) {
	state := &models.DeviceState{
		DeviceID: "dev",
		Playlists: []models.Playlist{{
			ID: "hours", IsActive: true, Priority: 1,
			Window: models.Window{StartTime: "09:00", EndTime: "18:00"},
			Items:  []models.PlaylistItem{imageItem("only", 10)},
		}},
	}

	for day := 0; day < 7; day++ {
		morning := time.Date(2026, 10, 11+day, 10, 0, 0, 0, time.UTC)
		items := GetActiveItems(state, morning)
		if len(items) != 1 || items[0].ID != "only" {
			t.Fatalf("%s 10:00: expected one item, got %+v", morning.Weekday(), items)
		}
		evening := time.Date(2026, 10, 11+day, 20, 0, 0, 0, time.UTC)
		if items := GetActiveItems(state, evening); len(items) != 0 {
			t.Fatalf("%s 20:00: expected no items, got %+v", evening.Weekday(), items)
		}
	}
}

func TestScenarioPromoAndDefaultChannels(t *testing.T) {
	p := &models.Playlist{
		ID: "p", IsActive: true, Priority: 1, HasChannels: true,
		Channels: []models.Channel{
			{ID: "promo", Name: "Promo", IsActive: true, Position: 1, Window: models.Window{StartTime: "08:00", EndTime: "09:00"}},
			{ID: "default", Name: "Default", IsActive: true, IsFallback: true, Position: 2},
		},
	}
	if c := GetActiveChannel(p, at(8, 30)); c == nil || c.Name != "Promo" {
		t.Fatalf("08:30: expected Promo, got %+v", c)
	}
	if c := GetActiveChannel(p, at(12, 0)); c == nil || c.Name != "Default" {
		t.Fatalf("12:00: expected Default, got %+v", c)
	}
}

func TestPerItemWindowsFilterItems(t *testing.T) {
	lunch := imageItem("lunch", 10)
	lunch.Window = models.Window{StartTime: "11:00", EndTime: "14:00"}
	always := imageItem("always", 10)

	state := &models.DeviceState{Playlists: []models.Playlist{flatPlaylist("p", 1, always, lunch)}}

	if items := GetActiveItems(state, at(12, 0)); len(items) != 2 {
		t.Fatalf("12:00: expected 2 items, got %d", len(items))
	}
	items := GetActiveItems(state, at(16, 0))
	if len(items) != 1 || items[0].ID != "always" {
		t.Fatalf("16:00: expected only the unrestricted item, got %+v", items)
	}
}

func TestSelectorUsesItsEvaluator(t *testing.T) {
	state := &models.DeviceState{Playlists: []models.Playlist{{
		ID: "night", IsActive: true, Window: models.Window{StartTime: "22:00", EndTime: "02:00"},
		Items: []models.PlaylistItem{imageItem("n", 10)},
	}}}

	if items := GetActiveItems(state, at(23, 0)); len(items) != 0 {
		t.Fatal("naive default should not match overnight window")
	}
	split := New(schedule.Evaluator{Overnight: schedule.OvernightSplit})
	if items := split.ActiveItems(state, at(23, 0)); len(items) != 1 {
		t.Fatal("split selector should match overnight window")
	}
}

func TestResolveDoesNotAliasState(t *testing.T) {
	state := &models.DeviceState{Playlists: []models.Playlist{flatPlaylist("p", 1, imageItem("a", 10))}}
	sel := ResolveCurrentContent(state, at(12, 0))
	sel.Items[0].ID = "mutated"
	if state.Playlists[0].Items[0].ID != "a" {
		t.Fatal("selection shares backing array with state")
	}
}
