package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/app"
	"github.com/t77yq/casewatch/internal/config"
)

const defaultConfigPath = "config/config.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "casewatch",
	Short: "Alert correlation and case notification service",
	Long: `casewatch receives Alertmanager-style webhooks, deduplicates alerts,
correlates them into cases with SLA deadlines and notifies assignees
by email, chat, SMS or webhook.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file (YAML)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, requeueCmd)
}

// setup loads configuration and builds the logger. A missing default config file
// is not an error; defaults and CASEWATCH_* variables apply.
func setup() (*config.Config, *zap.Logger, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
