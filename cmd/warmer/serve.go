package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/warmer/internal/metrics"
	"github.com/caffeineduck/warmer/internal/tracing"
	"github.com/caffeineduck/warmer/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker loop on stdin/stdout",
	Long: `Run the worker protocol loop.

Each line on stdin is a JSON task:
  {"type":"exec","code":"..."}   run code in the persistent namespace
  {"type":"ping"}                answered with {"type":"pong"}
  {"type":"shutdown"}            stop the worker

Every exec task is answered with one line:
  {"stdout":"...","stderr":"...","exitCode":0}
followed by the readiness token. Logs go to stderr only.

The worker stops on shutdown, end of input, SIGINT, or SIGTERM.

Set tracing.enabled (or WARMER_TRACING_ENABLED) to export one OpenTelemetry
span per task over OTLP.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		if err := m.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			return err
		}
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
	}

	ns, err := newNamespace(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker failed to start", slog.String("error", err.Error()))
		return err
	}
	defer ns.Close()

	ts, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	runner := tracing.NewRunner(newExecutor(cfg, logger, m), ts.Tracer())
	w := worker.New(ns, runner, cmd.OutOrStdout(),
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithReadyToken(cfg.ReadyToken),
	)

	err = w.Serve(ctx, cmd.InOrStdin())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
