package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

var visibilityCmd = &cobra.Command{
	Use:       "visibility <asset-id> public|private",
	Short:     "Make an asset readable without a signed link, or private again",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"public", "private"},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid asset id: %w", err)
		}
		var token string
		switch v := simplemedia.Visibility(args[1]); v {
		case simplemedia.VisibilityPublic:
			token = uuid.NewString()
		case simplemedia.VisibilityPrivate:
		default:
			return fmt.Errorf("visibility must be public or private, got %q", args[1])
		}

		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Repository.SetVisibility(ctx, id, simplemedia.Visibility(args[1]), token); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", id, args[1])
		return nil
	},
}
