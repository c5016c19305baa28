// Command reconcile runs the C8 reconciliation service's two
// operator-invoked recovery paths: rebuilding one document's vectors, or
// bulk reindexing a filtered document set, per spec §4.8.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ragkb/internal/bootstrap"
	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/observability"
	"ragkb/internal/reconcile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild or reindex the vector index from the metadata store",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newRebuildVectorsCmd(&configPath))
	root.AddCommand(newReindexCmd(&configPath))
	return root
}

func newRebuildVectorsCmd(configPath *string) *cobra.Command {
	var documentID int64

	cmd := &cobra.Command{
		Use:   "rebuild-vectors",
		Short: "Delete and re-upsert one document's vectors from its current chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Reconcile.RebuildVectors(ctx, documentID)
		},
	}
	cmd.Flags().Int64Var(&documentID, "document-id", 0, "document id to rebuild")
	_ = cmd.MarkFlagRequired("document-id")
	return cmd
}

func newReindexCmd(configPath *string) *cobra.Command {
	var ownerID int64
	var status string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Bulk reindex documents matching an optional owner/status filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			filter := reconcile.Filter{}
			if ownerID != 0 {
				filter.OwnerID = &ownerID
			}
			if status != "" {
				filter.StatusIn = []domain.DocumentStatus{domain.DocumentStatus(status)}
			}

			outcome := app.Reconcile.Reindex(ctx, filter)
			log.Info().Int("ok", len(outcome.OK)).Int("failed", len(outcome.Failed)).Msg("reindex complete")
			for _, f := range outcome.Failed {
				log.Warn().Int64("document_id", f.DocumentID).Str("reason", f.Reason).Msg("reindex failed for document")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&ownerID, "owner-id", 0, "restrict reindex to one owner")
	cmd.Flags().StringVar(&status, "status", "", "restrict reindex to one document status")
	return cmd
}

func loadApp(ctx context.Context, configPath string) (*bootstrap.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return app, nil
}
