/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule decides whether playlists, channels and items are inside
// their configured windows at a given instant. Everything here is pure.
package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

const dateLayout = "2006-01-02"

// OvernightPolicy controls windows whose start time is after their end time.
type OvernightPolicy string

const (
	// OvernightNaive compares start and end independently, so a window such
	// as 22:00-02:00 never matches.
	OvernightNaive OvernightPolicy = "naive"
	// OvernightSplit treats start > end as two ranges: [start, 23:59] and [00:00, end].
	OvernightSplit OvernightPolicy = "split"
)

// ParseOvernightPolicy maps a config string to a policy, defaulting to naive.
func ParseOvernightPolicy(s string) (OvernightPolicy, error) {
	switch OvernightPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OvernightNaive:
		return OvernightNaive, nil
	case OvernightSplit:
		return OvernightSplit, nil
	default:
		return "", fmt.Errorf("unknown overnight policy %q", s)
	}
}

// Evaluator applies window rules. The zero value uses the naive policy.
type Evaluator struct {
	Overnight OvernightPolicy
}

// Default is the evaluator used by the package level helpers.
var Default = Evaluator{Overnight: OvernightNaive}

// IsActiveNow reports whether a playlist is active at now.
func IsActiveNow(p *models.Playlist, now time.Time) bool {
	return Default.PlaylistActive(p, now)
}

// IsChannelActiveNow reports whether a channel is active at now.
func IsChannelActiveNow(c *models.Channel, now time.Time) bool {
	return Default.ChannelActive(c, now)
}

// PlaylistActive applies the active flag and the playlist window.
func (e Evaluator) PlaylistActive(p *models.Playlist, now time.Time) bool {
	if p == nil || !p.IsActive {
		return false
	}
	return e.InWindow(p.Window, now)
}

// ChannelActive applies the active flag, the fallback short-circuit and the
// channel window, in that order.
func (e Evaluator) ChannelActive(c *models.Channel, now time.Time) bool {
	if c == nil || !c.IsActive {
		return false
	}
	if c.IsFallback {
		return true
	}
	return e.InWindow(c.Window, now)
}

// ItemActive applies an item's own window. Items have no active flag.
func (e Evaluator) ItemActive(it *models.PlaylistItem, now time.Time) bool {
	if it == nil {
		return false
	}
	return e.InWindow(it.Window, now)
}

// InWindow checks weekday, date range and time-of-day range in that order.
// Dates are interpreted in now's location.
func (e Evaluator) InWindow(w models.Window, now time.Time) bool {
	if len(w.DaysOfWeek) > 0 && !slices.Contains(w.DaysOfWeek, int(now.Weekday())) {
		return false
	}

	loc := now.Location()
	if start, ok := parseDate(w.StartDate, loc); ok && now.Before(start) {
		return false
	}
	if end, ok := parseDate(w.EndDate, loc); ok {
		// Wall clock, so DST transition days still end at 23:59:59 local.
		endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc)
		if now.After(endOfDay) {
			return false
		}
	}

	current := now.Format("15:04")
	start := normalizeClock(w.StartTime)
	end := normalizeClock(w.EndTime)

	if e.Overnight == OvernightSplit && start != "" && end != "" && start > end {
		return current >= start || current <= end
	}

	if start != "" && current < start {
		return false
	}
	if end != "" && current > end {
		return false
	}
	return true
}

// IsOvernight reports whether the window's time range wraps past midnight.
func IsOvernight(w models.Window) bool {
	start := normalizeClock(w.StartTime)
	end := normalizeClock(w.EndTime)
	return start != "" && end != "" && start > end
}

// Lint returns human readable problems with a window. It never fails; the
// evaluator treats unparseable fields as absent.
func Lint(w models.Window) []string {
	var problems []string
	if w.StartDate != "" {
		if _, ok := parseDate(w.StartDate, time.UTC); !ok {
			problems = append(problems, fmt.Sprintf("unparseable start_date %q", w.StartDate))
		}
	}
	if w.EndDate != "" {
		if _, ok := parseDate(w.EndDate, time.UTC); !ok {
			problems = append(problems, fmt.Sprintf("unparseable end_date %q", w.EndDate))
		}
	}
	if w.StartTime != "" && !validClock(normalizeClock(w.StartTime)) {
		problems = append(problems, fmt.Sprintf("unparseable start_time %q", w.StartTime))
	}
	if w.EndTime != "" && !validClock(normalizeClock(w.EndTime)) {
		problems = append(problems, fmt.Sprintf("unparseable end_time %q", w.EndTime))
	}
	if IsOvernight(w) {
		problems = append(problems, fmt.Sprintf("time range %s-%s crosses midnight", w.StartTime, w.EndTime))
	}
	return problems
}

// parseDate accepts "YYYY-MM-DD" or any longer string with that prefix
// (for example an RFC 3339 timestamp) and returns local midnight.
func parseDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(dateLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(dateLayout, s[:len(dateLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// normalizeClock truncates "HH:MM:SS" to "HH:MM" and zero-pads "H:MM".
func normalizeClock(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) >= 2 && s[1] == ':' {
		s = "0" + s
	}
	if len(s) > 5 {
		s = s[:5]
	}
	return s
}

func validClock(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}
