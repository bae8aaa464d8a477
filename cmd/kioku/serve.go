package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/common/logging"
	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := src.Config()

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			logger.Info().
				Str("version", version.Version).
				Str("commit", version.GitCommit).
				Str("config", src.Path()).
				Msg("starting kioku")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, src, logger)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
