/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/grimnir_kiosk/internal/logging"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/schedule"
	"github.com/friendsincode/grimnir_kiosk/internal/selector"
	"github.com/friendsincode/grimnir_kiosk/internal/store"
)

var (
	resolveFixture   string
	resolveAt        string
	resolveTimezone  string
	resolveOvernight string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show what the device would display at a given instant",
	Long: `Evaluate a device state offline and print the resolved selection.

The state comes from a YAML or JSON fixture, or from the state cached in
the local store when no fixture is given.

Examples:
  # What is on screen right now according to the cached state
  grimnirkiosk resolve

  # Check a fixture at a specific local time
  grimnirkiosk resolve --fixture lobby.yaml --at 2026-03-02T22:30 --tz Europe/Berlin

  # Compare overnight handling
  grimnirkiosk resolve --fixture lobby.yaml --at 2026-03-03T01:00 --overnight split
`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveFixture, "fixture", "f", "", "YAML or JSON state fixture (default: cached state)")
	resolveCmd.Flags().StringVar(&resolveAt, "at", "", "Instant to evaluate, RFC3339 or 2006-01-02T15:04 (default: now)")
	resolveCmd.Flags().StringVar(&resolveTimezone, "tz", "", "IANA timezone for --at and windows (default: KIOSK_TIMEZONE or Local)")
	resolveCmd.Flags().StringVar(&resolveOvernight, "overnight", "", "Overnight window policy: naive or split")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	var state *models.DeviceState
	tz := resolveTimezone
	policyName := resolveOvernight

	if resolveFixture != "" {
		logger = logging.SetupWithLevel("development", "warn")
		f, err := os.Open(resolveFixture)
		if err != nil {
			return fmt.Errorf("open fixture: %w", err)
		}
		defer f.Close()
		state, err = decodeFixture(f)
		if err != nil {
			return err
		}
	} else {
		if err := loadConfig(); err != nil {
			return err
		}
		st := store.Open(cfg, logger)
		defer st.Close()
		loaded, err := store.LoadState(cmd.Context(), st, cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("load cached state for %s: %w", cfg.DeviceID, err)
		}
		state = loaded
		if tz == "" {
			tz = cfg.Timezone
		}
		if policyName == "" {
			policyName = cfg.OvernightPolicy
		}
	}

	if tz == "" {
		tz = "Local"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	at, err := parseInstant(resolveAt, loc, time.Now())
	if err != nil {
		return err
	}
	policy, err := schedule.ParseOvernightPolicy(policyName)
	if err != nil {
		return err
	}

	for _, warning := range lintState(state) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
	}

	sel := selector.New(schedule.Evaluator{Overnight: policy}).Resolve(state, at)
	out := struct {
		At        time.Time          `json:"at"`
		Overnight string             `json:"overnight"`
		Selection selector.Selection `json:"selection"`
	}{At: at, Overnight: policyName, Selection: sel}
	if out.Overnight == "" {
		out.Overnight = "naive"
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// decodeFixture reads YAML (a superset of JSON) into a DeviceState. The
// document is bridged through JSON so the model's json tags apply.
func decodeFixture(r io.Reader) (*models.DeviceState, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert fixture: %w", err)
	}
	var state models.DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if err := state.Validate(state.DeviceID); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &state, nil
}

func parseInstant(raw string, loc *time.Location, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.In(loc), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --at %q: want RFC3339 or 2006-01-02T15:04", raw)
}

func lintState(state *models.DeviceState) []string {
	var out []string
	add := func(kind, id string, w models.Window) {
		for _, msg := range schedule.Lint(w) {
			out = append(out, fmt.Sprintf("%s %s: %s", kind, id, msg))
		}
	}
	for _, p := range state.Playlists {
		add("playlist", p.ID, p.Window)
		for _, c := range p.Channels {
			add("channel", c.ID, c.Window)
		}
	}
	return out
}
