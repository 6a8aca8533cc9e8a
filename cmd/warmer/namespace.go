package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/figure"
	"github.com/caffeineduck/warmer/hostfunc"
	"github.com/caffeineduck/warmer/internal/config"
	"github.com/caffeineduck/warmer/internal/metrics"
	"github.com/caffeineduck/warmer/language/javascript"
	"github.com/caffeineduck/warmer/language/wasi"
	"github.com/caffeineduck/warmer/stats"
)

// buildCapabilities assembles the capability table every namespace starts
// with. fs is only present when at least one mount is configured.
func buildCapabilities(cfg *config.Config) (*hostfunc.Table, error) {
	modules := []*hostfunc.Module{
		figure.New(cfg.OutputsDir).Module(),
		stats.Module(),
		hostfunc.NewKV(cfg.KVLimits()).Module(),
	}

	mounts, err := cfg.HostMounts()
	if err != nil {
		return nil, err
	}
	if len(mounts) > 0 {
		modules = append(modules, hostfunc.NewFS(mounts).Module())
	}

	return hostfunc.NewTable(modules...)
}

func newInterpreter(ctx context.Context, cfg *config.Config, caps *hostfunc.Table) (executor.Interpreter, error) {
	switch cfg.Language {
	case config.LanguageJavaScript:
		js, err := javascript.New(caps)
		if err != nil {
			return nil, err
		}
		return js, nil
	case config.LanguageWASI:
		memory, err := config.ParseMemory(cfg.WASI.Memory)
		if err != nil {
			return nil, err
		}
		opts := []wasi.Option{wasi.WithMemoryLimitPages(wasi.MemoryPages(memory))}
		if len(cfg.WASI.Args) > 0 {
			opts = append(opts, wasi.WithArgs(cfg.WASI.Args...))
		}
		if cfg.WASI.CacheDir != "" {
			opts = append(opts, wasi.WithCacheDir(cfg.WASI.CacheDir))
		}
		if cfg.WASI.NoCache {
			opts = append(opts, wasi.WithoutDiskCache())
		}
		guest, err := wasi.NewFromFile(ctx, cfg.WASI.Module, caps, opts...)
		if err != nil {
			return nil, err
		}
		return guest, nil
	default:
		return nil, fmt.Errorf("unknown language %q", cfg.Language)
	}
}

// newNamespace creates the process's single namespace.
func newNamespace(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*executor.Namespace, error) {
	caps, err := buildCapabilities(cfg)
	if err != nil {
		return nil, fmt.Errorf("building capabilities: %w", err)
	}

	interp, err := newInterpreter(ctx, cfg, caps)
	if err != nil {
		return nil, fmt.Errorf("starting %s interpreter: %w", cfg.Language, err)
	}

	logger.Debug("namespace ready",
		slog.String("language", interp.Name()),
		slog.Int("capabilities", len(caps.List())),
	)
	return executor.NewNamespace(interp, caps), nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger, m *metrics.Collector) *executor.Executor {
	return executor.New(
		executor.WithLogger(logger),
		executor.WithMetrics(m),
		executor.WithMaxOutput(cfg.MaxOutput),
	)
}
