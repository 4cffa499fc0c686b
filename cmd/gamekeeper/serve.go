package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/gamekeeper"
	"github.com/loykin/gamekeeper/internal/errdefs"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon that supervises the server",
		Long: `Run the daemon that supervises the server described by --config.

The daemon exposes the HTTP API used by the other commands, runs scheduled
backups, records lifecycle history and reloads lifecycle settings when the
config file changes. SIGINT or SIGTERM stops the server and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags.ConfigPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	gin.SetMode(gin.ReleaseMode)
	cfg, err := gamekeeper.LoadConfig(configPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, "config", err)
	}
	d, err := gamekeeper.NewDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
