package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()

		a, err := app.New(ctx, logger, cfg)
		if err != nil {
			logger.Error("Failed to start", zap.Error(err))
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}
