// Package cmd defines the CLI commands for the siteaudit executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/app"
	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/logging"
)

type contextKey string

const (
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
)

// Runner is the slice of *app.App the commands drive. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context, mode app.Mode) error
	Close()
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// newRootCmd creates the root command. Config and logger are resolved once in
// PersistentPreRunE and handed to subcommands through the command context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "siteaudit",
		Short: "Distributed crawl engine for website audits.",
		Long: `siteaudit crawls websites on behalf of audit sessions. Every process
shares session, frontier and lease state through the configured backend, so
any number of replicas can crawl the same session without duplicating work.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SITEAUDIT_* env vars override it")

	cmd.AddCommand(newServeCmd(), newWorkCmd(), newMigrateCmd())
	return cmd
}

// resolve pulls the config and logger stored by the root command.
func resolve(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return config.Config{}, nil, errors.New("logger not initialized")
	}
	return cfg, logger, nil
}

// runApp builds the application and runs it in mode until ctx ends.
func runApp(ctx context.Context, mode app.Mode) error {
	cfg, logger, err := resolve(ctx)
	if err != nil {
		return err
	}
	instance, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer instance.Close()

	if err := instance.Run(ctx, mode); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// Execute runs the CLI until it finishes or the process receives SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "siteaudit: %v\n", err)
		os.Exit(1)
	}
}
