// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the backend now",
	Long: `Push queued local changes, then pull and merge remote readings.
With --watch the command keeps running and syncs periodically, backing off
while the backend is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.requireSession(); err != nil {
			return err
		}

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchLoop(ctx, a)
		}

		sum, err := a.engine.FullSync(ctx)
		fmt.Printf("Pushed %d (failed %d), fetched %d, merged %d new.\n",
			sum.Push.Pushed, sum.Push.Failed, sum.Pull.Fetched, sum.Pull.Merged)
		return err
	},
}

// watchLoop syncs on an interval until interrupted. Consecutive failures
// stretch the wait toward the configured maximum; a success snaps it back.
func watchLoop(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	wait := cfg.SyncInterval
	backoff := cfg.BackoffBase

	for {
		sum, err := a.engine.FullSync(ctx)
		if err != nil {
			logger.Warn("sync cycle failed", "err", err, "next_attempt_in", backoff)
			wait = backoff
			backoff *= 2
			if backoff > cfg.BackoffMax {
				backoff = cfg.BackoffMax
			}
		} else {
			logger.Info("sync cycle complete",
				"pushed", sum.Push.Pushed, "failed", sum.Push.Failed,
				"fetched", sum.Pull.Fetched, "merged", sum.Pull.Merged)
			wait = cfg.SyncInterval
			backoff = cfg.BackoffBase
		}

		// Small jitter keeps many clients from syncing in lockstep.
		jitter := time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait + jitter):
		}
	}
}

func init() {
	syncCmd.Flags().Bool("watch", false, "keep running and sync periodically")
	rootCmd.AddCommand(syncCmd)
}
