/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// MediaType enumerates playable media kinds.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Window carries the date, time-of-day and weekday restrictions shared by
// playlists, channels and items. Empty fields mean "no restriction".
type Window struct {
	StartDate  string `json:"start_date,omitempty"`
	EndDate    string `json:"end_date,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
	DaysOfWeek []int  `json:"days_of_week,omitempty" validate:"omitempty,dive,min=0,max=6"`
}

// IsZero reports whether the window carries no restriction at all.
func (w Window) IsZero() bool {
	return w.StartDate == "" && w.EndDate == "" && w.StartTime == "" && w.EndTime == "" && len(w.DaysOfWeek) == 0
}

// Media describes a playable asset.
type Media struct {
	ID          string    `json:"id" validate:"required"`
	Type        MediaType `json:"type" validate:"required,oneof=image video"`
	URL         string    `json:"url" validate:"required"`
	Duration    int       `json:"duration" validate:"min=0"` // seconds
	LocalHandle string    `json:"local_handle,omitempty"`
}

// PlaylistItem is one entry of a playlist or channel.
type PlaylistItem struct {
	ID               string `json:"id" validate:"required"`
	Media            Media  `json:"media"`
	Position         int    `json:"position"`
	DurationOverride *int   `json:"duration_override,omitempty" validate:"omitempty,min=0"`
	Window
}

// Channel is a time-windowed sub-container of a playlist.
type Channel struct {
	ID         string         `json:"id" validate:"required"`
	Name       string         `json:"name"`
	IsActive   bool           `json:"is_active"`
	IsFallback bool           `json:"is_fallback"`
	Position   int            `json:"position"`
	Items      []PlaylistItem `json:"items" validate:"dive"`
	Window
}

// Playlist is a prioritized, time-windowed container of items or channels.
type Playlist struct {
	ID          string         `json:"id" validate:"required"`
	Name        string         `json:"name"`
	IsActive    bool           `json:"is_active"`
	Priority    int            `json:"priority"`
	HasChannels bool           `json:"has_channels"`
	Items       []PlaylistItem `json:"items,omitempty" validate:"dive"`
	Channels    []Channel      `json:"channels,omitempty" validate:"dive"`
	Window
}

// OverrideMedia preempts all scheduled content until it expires.
type OverrideMedia struct {
	ID        string    `json:"id" validate:"required"`
	Media     Media     `json:"media"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

// ActiveAt reports whether the override is still in force at now.
func (o *OverrideMedia) ActiveAt(now time.Time) bool {
	return o != nil && now.Before(o.ExpiresAt)
}

// CommandType enumerates out-of-band device commands.
type CommandType string

const (
	CommandReload     CommandType = "reload"
	CommandClearCache CommandType = "clear-cache"
	CommandIdentify   CommandType = "identify"
	CommandReboot     CommandType = "reboot"
)

// Command is a one-shot instruction delivered with device state.
type Command struct {
	ID       string      `json:"id" validate:"required"`
	Type     CommandType `json:"type" validate:"required,oneof=reload clear-cache identify reboot"`
	IssuedAt time.Time   `json:"issued_at"`
}

// DeviceState is the full content snapshot for one device.
type DeviceState struct {
	DeviceID       string         `json:"device_id" validate:"required"`
	Playlists      []Playlist     `json:"playlists" validate:"dive"`
	OverrideMedia  *OverrideMedia `json:"override_media,omitempty" validate:"omitempty"`
	IsBlocked      bool           `json:"is_blocked"`
	BlockedMessage string         `json:"blocked_message,omitempty"`
	IsOnline       bool           `json:"is_online"`
	LastSyncAt     time.Time      `json:"last_sync_at"`
	Commands       []Command      `json:"commands,omitempty" validate:"dive"`
}

// Clone returns a deep copy so callers can annotate a state without
// touching the shared snapshot.
func (s *DeviceState) Clone() *DeviceState {
	if s == nil {
		return nil
	}
	out := *s
	out.Playlists = make([]Playlist, len(s.Playlists))
	for i, p := range s.Playlists {
		p.Items = cloneItems(p.Items)
		p.DaysOfWeek = cloneInts(p.DaysOfWeek)
		if p.Channels != nil {
			channels := make([]Channel, len(p.Channels))
			for j, c := range p.Channels {
				c.Items = cloneItems(c.Items)
				c.DaysOfWeek = cloneInts(c.DaysOfWeek)
				channels[j] = c
			}
			p.Channels = channels
		}
		out.Playlists[i] = p
	}
	if s.OverrideMedia != nil {
		o := *s.OverrideMedia
		out.OverrideMedia = &o
	}
	if s.Commands != nil {
		out.Commands = append([]Command(nil), s.Commands...)
	}
	return &out
}

func cloneItems(items []PlaylistItem) []PlaylistItem {
	if items == nil {
		return nil
	}
	out := make([]PlaylistItem, len(items))
	for i, it := range items {
		if it.DurationOverride != nil {
			d := *it.DurationOverride
			it.DurationOverride = &d
		}
		it.DaysOfWeek = cloneInts(it.DaysOfWeek)
		out[i] = it
	}
	return out
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	return append([]int(nil), in...)
}
