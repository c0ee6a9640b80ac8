package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkelley/sbsearch/internal/api"
	"github.com/mkelley/sbsearch/internal/auth"
	"github.com/mkelley/sbsearch/internal/health"
)

func newServeCmd() *cobra.Command {
	var obsFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)

			st := buildStack(cfg, logger)
			st.restoreCache(logger)

			if obsFile != "" {
				res, err := st.loadObservations(obsFile, logger)
				if err != nil {
					return err
				}
				logger.Info("observations preloaded",
					"file", obsFile, "inserted", res.Inserted, "rejected", len(res.Rejected))
			}

			srv := api.NewServer(cfg.HTTP.Addr, st.index, st.store, st.matcher,
				auth.Config{Enabled: cfg.Auth.Enabled, Token: cfg.Auth.Token},
				cfg.HTTP.TrustProxy, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting server",
					"addr", cfg.HTTP.Addr,
					"auth_enabled", cfg.Auth.Enabled,
					"mesh_level", cfg.Index.MeshLevel,
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			health.SetReady(true)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down server...")
			health.SetReady(false)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&obsFile, "observations", "", "JSON-lines observation file to preload")
	return cmd
}
