package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/PrayerPipe/internal/api"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the onboarding host API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.APIAddr = addr
			}
			rt, err := openRuntime(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("serve: shutdown incomplete", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("serve: starting PrayerPipe", "addr", cfg.APIAddr, "stateDir", cfg.StateDir, "postgres", cfg.DatabaseURL != "")
			server := api.NewServer(rt.newFlow)
			if err := server.Run(ctx, cfg.APIAddr); err != nil {
				return err
			}
			slog.Info("serve: PrayerPipe exited successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", DefaultAPIAddr, "listen address (env API_ADDR)")
	return cmd
}
