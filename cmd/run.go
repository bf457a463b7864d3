package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// newRunCmd creates the 'run' subcommand, which starts the crawl daemon.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the crawl daemon until interrupted",
		Long: `Consumes zone jobs from the configured queue and refreshes stale zones
when the queue is idle. SIGINT or SIGTERM lets the page in flight finish,
requeues the interrupted zone, and exits.`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if s := appInstance.Server(); s != nil {
		port := appInstance.Config().Server.Port
		srv = &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
				stop()
			}
		}()
	}

	runErr := appInstance.GetOrchestrator().Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("run orchestrator: %w", runErr)
	}
	logger.Info("crawl daemon stopped")
	return nil
}
