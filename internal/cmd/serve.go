package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/app"
	"github.com/renja-g/RiftGuard/internal/config"
	"github.com/renja-g/RiftGuard/internal/logging"
)

func newServeCmd() *cobra.Command {
	v := config.NewViper()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			server, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("startup error: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Start(ctx); err != nil {
				logger.Error("server exited with error", zap.Error(err))
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	flags := serveCmd.Flags()
	flags.Int("port", 8080, "listen port")
	flags.Bool("relay", false, "relay admitted requests to upstream.base_url")
	flags.String("upstream", "", "upstream base URL")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("server.port", flags.Lookup("port"))
	_ = v.BindPFlag("server.relay_enabled", flags.Lookup("relay"))
	_ = v.BindPFlag("upstream.base_url", flags.Lookup("upstream"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))

	return serveCmd
}
