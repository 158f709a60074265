package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/bootstrap"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox server",
	Long: `Start the runbox HTTP server. Clients connect to /ws and drive runs and
grading passes with JSON messages; /api and /metrics expose status.

Sandboxes left live by a previous server are destroyed on startup.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap.LoadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := bootstrap.Logger(cfg)

	ledger, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening sandbox ledger: %w", err)
	}
	defer ledger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, closeRuntime, err := bootstrap.Runtime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting %s runtime: %w", cfg.Sandbox.Runtime, err)
	}
	defer closeRuntime()

	if n, err := bootstrap.ReapOrphans(ctx, rt, ledger, cfg.Sandbox.Runtime, logger); err != nil {
		logger.Warn().Err(err).Msg("reaping orphaned sandboxes")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("reaped orphaned sandboxes")
	}

	ctrl, err := bootstrap.Controller(cfg, rt, ledger, logger)
	if err != nil {
		return err
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, ctrl, ledger, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownDone := make(chan error, 1)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdownDone
}
