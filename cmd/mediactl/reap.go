package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reapStaleAfter time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete abandoned uploads and orphaned quarantine files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		staleAfter := cfg.Reaper.StaleAfter
		if reapStaleAfter > 0 {
			staleAfter = reapStaleAfter
		}
		res, err := rt.Reaper.Reap(ctx, staleAfter, time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d deleted=%d quarantine_deleted=%d disk_deleted=%d\n",
			res.Scanned, res.Deleted, res.QuarantineDeleted, res.DiskDeleted)
		return err
	},
}

func init() {
	reapCmd.Flags().DurationVar(&reapStaleAfter, "stale-after", 0, "override MEDIA_REAPER_STALE_AFTER")
}
