/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
	"github.com/friendsincode/grimnir_kiosk/internal/store"
)

var (
	syncTimeout  time.Duration
	syncPrefetch bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull the device state once and persist it",
	Long: `Fetch the current device state from the configured source, validate it
and store it locally so the next start can render offline.

Commands carried with the state are not executed; the running service
handles them on its next pull.

Examples:
  grimnirkiosk sync
  grimnirkiosk sync --prefetch --timeout 5m
`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", time.Minute, "Overall deadline")
	syncCmd.Flags().BoolVar(&syncPrefetch, "prefetch", false, "Also download every referenced media asset")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	st := store.Open(cfg, logger)
	defer st.Close()

	src, err := source.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	state, err := src.Fetch(ctx, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("fetch state: %w", err)
	}
	if err := state.Validate(cfg.DeviceID); err != nil {
		return fmt.Errorf("rejecting state: %w", err)
	}

	persisted := state.Clone()
	persisted.Commands = nil
	persisted.IsOnline = true
	persisted.LastSyncAt = time.Now().UTC()
	if err := store.SaveState(ctx, st, persisted); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if st.Degraded() {
		return fmt.Errorf("store %s unavailable; state was not persisted", cfg.StoreBackend)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "synced %s: %d playlists, %d pending commands\n",
		cfg.DeviceID, len(persisted.Playlists), len(state.Commands))

	if syncPrefetch {
		media, err := openMediaCache(ctx, st)
		if err != nil {
			return err
		}
		refs := stateMedia(persisted)
		cached := media.Prefetch(ctx, refs)
		fmt.Fprintf(cmd.OutOrStdout(), "cached %d of %d media assets\n", cached, len(refs))
	}
	return nil
}

// stateMedia lists every media asset a state references, active or not.
func stateMedia(state *models.DeviceState) []models.Media {
	var out []models.Media
	if state.OverrideMedia != nil {
		out = append(out, state.OverrideMedia.Media)
	}
	for _, p := range state.Playlists {
		for _, it := range p.Items {
			out = append(out, it.Media)
		}
		for _, c := range p.Channels {
			for _, it := range c.Items {
				out = append(out, it.Media)
			}
		}
	}
	return out
}
