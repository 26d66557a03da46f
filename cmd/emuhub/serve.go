// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/api"
	"github.com/forkbombeu/emuhub/internal/config"
	"github.com/forkbombeu/emuhub/internal/container"
	"github.com/forkbombeu/emuhub/internal/fleet"
	"github.com/forkbombeu/emuhub/internal/ports"
	"github.com/forkbombeu/emuhub/internal/session"
	"github.com/forkbombeu/emuhub/internal/vnc"
)

func serveCommand(env *adb.Env, logger func() *slog.Logger) *cobra.Command {
	var addr string
	var discover bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			if !log.Enabled(cmd.Context(), slog.LevelDebug) {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, config.String("EMUHUB_DB_PATH", ""))
			if err != nil {
				return err
			}
			alloc := ports.New()

			var rt container.Runtime
			if docker, err := container.NewDocker(ctx, log); err != nil {
				log.Warn("docker unavailable, emulator creation disabled", "error", err)
			} else {
				rt = docker
			}

			proxies := vnc.NewManager(
				config.String("EMUHUB_WEBSOCKIFY", "websockify"),
				config.String("EMUHUB_NOVNC_DIR", "/opt/noVNC"),
				alloc, log,
			)
			ctrl := adb.NewController(*env)
			svc := fleet.New(fleet.Config{Memory: config.String("EMUHUB_MEMORY", "4g")},
				rt, store, alloc, adb.NewPipeline(ctrl), ctrl, proxies, log)
			defer func() {
				if err := svc.Shutdown(); err != nil {
					log.Warn("shutdown failed", "error", err)
				}
			}()

			// Sessions restored from the database still own their ports.
			for _, s := range store.List() {
				alloc.MarkUsed(s.ID, s.Ports.Ports()...)
			}
			if discover && rt != nil {
				registered, err := svc.DiscoverExisting(ctx)
				if err != nil {
					log.Warn("container discovery failed", "error", err)
				}
				log.Info("container discovery done", "registered", len(registered))
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           api.NewRouter(svc, api.Options{TokenHash: config.String("EMUHUB_API_TOKEN_HASH", ""), Log: log}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", addr, "dotenv", config.LoadedPath())
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.String("EMUHUB_ADDR", ":5000"), "listen address")
	cmd.Flags().BoolVar(&discover, "discover", config.Bool("EMUHUB_DISCOVER", true), "register running compose emulators at startup")
	return cmd
}

func openStore(ctx context.Context, path string) (*session.Store, error) {
	if path == "" {
		return session.NewMemory(), nil
	}
	return session.Open(ctx, path)
}
