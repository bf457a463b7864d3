// Package cmd defines and implements the CLI commands for the zonecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/api"
	"github.com/JakeFAU/zonecrawler/internal/app"
	"github.com/JakeFAU/zonecrawler/internal/config"
	"github.com/JakeFAU/zonecrawler/internal/graph"
	"github.com/JakeFAU/zonecrawler/internal/logging"
	"github.com/JakeFAU/zonecrawler/internal/orchestrator"
	"github.com/JakeFAU/zonecrawler/internal/queue"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Close() error
	Config() config.Config
	GetLogger() *zap.Logger
	GetQueue() queue.JobQueue
	GetMetadata() *graph.MetadataClient
	GetOrchestrator() *orchestrator.Orchestrator
	Server() *api.Server
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "zonecrawler",
		Short: "Crawls game wiki zones into a local knowledge cache.",
		Long: `zonecrawler consumes zone crawl jobs from a queue, searches and renders
the best pages for each zone category, stores them as markdown, and records
zones, pages, and domains in a metadata graph. Connected zones found on
overview pages are queued for crawling in turn.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			logger := appInstance.GetLogger()
			if err := appInstance.Close(); err != nil {
				logger.Warn("error closing application services", zap.Error(err))
			}
			_ = logging.Sync(logger)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML, or JSON)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newZoneCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
