package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/registry"
	"github.com/meshmeet/meshmeet/internal/relay"
	"github.com/meshmeet/meshmeet/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.bind(cmd, "host", "port", "room-capacity", "public-url"); err != nil {
				return err
			}
			cfg, err := config.LoadServer(a.v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().Int("room-capacity", 0, "maximum participants per room")
	cmd.Flags().String("public-url", "", "base URL used in share links")
	return cmd
}

func serve(ctx context.Context, cfg *config.Server, logger *slog.Logger) error {
	reg := registry.New(registry.Options{
		Capacity:     cfg.RoomCapacity,
		EndedRoomTTL: cfg.EndedRoomTTL,
		Logger:       logger,
	})
	hub := relay.NewHub(relay.Options{Registry: reg, Logger: logger})
	go hub.Run(ctx)

	logger.Info("starting", "capacity", cfg.RoomCapacity, "addr", cfg.Addr())
	return server.New(cfg, hub, logger).ListenAndServe(ctx)
}
