package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var thumbsCmd = &cobra.Command{
	Use:   "thumbs",
	Short: "Thumbnail cache maintenance",
}

var thumbsSyncCmd = &cobra.Command{
	Use:   "sync <asset-id>...",
	Short: "Generate missing thumbnail variants for assets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		thumbCfg := cfg.ThumbnailConfig()
		var errs []error
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", arg, err))
				continue
			}
			asset, err := rt.Repository.Get(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", arg, err))
				continue
			}
			res, err := rt.Thumbnails.Sync(ctx, asset, thumbCfg)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", arg, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s generated=%d skipped=%d failed=%d", id, res.Generated, res.Skipped, res.Failed)
			for variant, reason := range res.Reasons {
				fmt.Fprintf(cmd.OutOrStdout(), " %s=%s", variant, reason)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return errors.Join(errs...)
	},
}

func init() {
	thumbsCmd.AddCommand(thumbsSyncCmd)
}
