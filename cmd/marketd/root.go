package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketd/internal/config"
)

var (
	configPath string
	logLevel   string
)

// version is stamped by the build with -ldflags "-X main.version=...".
var version = "dev"

// Execute runs the marketd CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "marketd",
		Short: "Crypto market-data service: live WS ingest, OHLCV store, backfill",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace..error)")

	root.AddCommand(serveCmd(ctx))
	root.AddCommand(backfillCmd(ctx))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the marketd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("marketd " + version)
		},
	})
	return root.ExecuteContext(ctx)
}

// loadConfig reads the config and applies the log settings.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return cfg, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return cfg, nil
}
