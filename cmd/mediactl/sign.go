package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

var (
	signVariant string
	signTTL     time.Duration
)

var signCmd = &cobra.Command{
	Use:   "sign <asset-id>",
	Short: "Print a signed link to an asset or one of its thumbnails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid asset id: %w", err)
		}
		signer := presigned.New(
			presigned.WithSecretKey(cfg.Signing.SecretKey),
			presigned.WithDefaultExpiration(cfg.Signing.DefaultExpiration),
		)

		base := strings.TrimRight(cfg.PublicBaseURL, "/") + "/assets/" + id.String()
		purpose := presigned.PurposeView
		if signVariant != "" {
			if _, ok := cfg.Thumbnail.Variants[signVariant]; !ok {
				return fmt.Errorf("unknown variant %q", signVariant)
			}
			base += "/thumbs/" + signVariant
			purpose = presigned.ThumbPurpose(signVariant)
		}

		u, err := signer.BuildSignedURL(base, &simplemedia.Asset{ID: id}, purpose, signTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signVariant, "variant", "", "thumbnail variant instead of the original")
	signCmd.Flags().DurationVar(&signTTL, "ttl", 0, "link lifetime (default MEDIA_SIGNING_DEFAULT_EXPIRATION)")
}
