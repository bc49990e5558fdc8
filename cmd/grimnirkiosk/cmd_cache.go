/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_kiosk/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local media cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached media blob and handle file",
	Long: `Remove all cached media. The device streams from the origin until the
next prefetch repopulates the cache. Handle files left in the handle
directory are removed as well. Stop the service first; a running service
keeps its in-memory handles until restarted.`,
	RunE: runCacheClear,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cached media count and size",
	RunE:  runCacheStats,
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	st := store.Open(cfg, logger)
	defer st.Close()

	media, err := openMediaCache(cmd.Context(), st)
	if err != nil {
		return err
	}
	if err := media.ClearAll(cmd.Context()); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "media cache cleared")
	return nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	st := store.Open(cfg, logger)
	defer st.Close()

	blobs, err := st.ListMedia(cmd.Context())
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}
	total, err := store.MediaUsage(cmd.Context(), st)
	if err != nil {
		return fmt.Errorf("media usage: %w", err)
	}
	limit := "unbounded"
	if maxBytes := cfg.MediaCacheMaxBytes(); maxBytes > 0 {
		limit = fmt.Sprintf("%d bytes", maxBytes)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d blobs, %d bytes (limit %s)\n", len(blobs), total, limit)
	return nil
}
