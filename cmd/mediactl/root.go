package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

var (
	envFile string
	verbose bool

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mediactl",
	Short: "Maintenance tasks for a simple-media store",
	Long: "mediactl applies migrations, reaps abandoned uploads, pre-generates\n" +
		"thumbnails and issues signed links. Settings come from MEDIA_*\n" +
		"environment variables; run 'mediactl env' for the list.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load when present")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(thumbsCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(visibilityCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c, err := config.Load(config.WithEnv())
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// newRuntime wires the full runtime for commands that touch stored data.
// Metrics are not registered for one-shot commands.
var newRuntime = func(ctx context.Context) (*config.Runtime, error) {
	if !cfg.Database.IsPostgres() {
		slog.Warn("MEDIA_DATABASE_URL is not set; records are in memory and will not persist")
	}
	return cfg.Build(ctx, slog.Default(), nil)
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables mediactl and mediad read",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		config.Usage(cmd.OutOrStdout(), "Environment variables:")
	},
}
