// Package cli wires the rebook commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"rebook/internal/config"
	"rebook/internal/logging"
	"rebook/internal/service"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

type rootOptions struct {
	configPath string
}

func NewRoot() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "rebook",
		Short:         "Booking confirmation and freed-slot refill service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configPath, "path to config.yaml")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newBackupCmd(opts))
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

type env struct {
	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer
	app    *service.App
}

func (e *env) Close() {
	e.app.Close()
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

func bootstrap(ctx context.Context, opts *rootOptions, component string) (*env, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logging.Component(baseLogger, component)

	app, err := service.New(ctx, cfg, logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("init app: %w", err)
	}
	return &env{cfg: cfg, logger: logger, closer: closer, app: app}, nil
}
