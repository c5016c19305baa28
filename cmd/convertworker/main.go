// Command convertworker runs the C5 conversion worker pool: it consumes
// conversion jobs from the configured broker and converts each document's
// original blob to Markdown and chunks, per spec §4.5.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ragkb/internal/bootstrap"
	"ragkb/internal/config"
	"ragkb/internal/convert"
	"ragkb/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "convertworker",
		Short: "Run the document conversion worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer shutdownOTel(context.Background())

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	worker := convert.New(
		app.Repo,
		app.Store,
		app.Consumer,
		app.Pdf,
		app.OCR,
		cfg.Providers.OCR.Enabled,
		app.Metrics,
		cfg.Conversion,
		cfg.Retrieval,
	)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Int("workers", cfg.Conversion.Workers).Msg("convertworker starting")
	if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("worker: %w", err)
	}
	log.Info().Msg("convertworker stopped")
	return nil
}
