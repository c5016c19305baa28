// Command apiserver hosts the library this module implements behind a
// minimal operational HTTP surface: liveness, readiness, and the
// connectivity-diagnostics probe. The full REST API a production deployment
// would expose on top of internal/lifecycle and internal/retrieval is a
// contract-only collaborator, not part of this binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ragkb/internal/bootstrap"
	"ragkb/internal/config"
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
	var listen string

	cmd := &cobra.Command{
		Use:   "apiserver",
		Short: "Run the knowledge base service's operational HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, listen)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address the HTTP server listens on")
	return cmd
}

func run(ctx context.Context, configPath, listen string) error {
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

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		statuses := app.Diagnostics.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		for _, s := range statuses {
			if !s.OK {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(statuses)
	})
	if app.PromReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(app.PromReg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listen).Msg("apiserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
