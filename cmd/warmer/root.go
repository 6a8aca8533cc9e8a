package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/warmer/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "warmer",
	Short: "Warm-pool code execution worker",
	Long: `warmer - a long-lived code execution worker for warm pools.

A worker keeps one interpreter namespace alive across tasks. The supervisor
writes JSON tasks to stdin, one per line, and reads one JSON result per task
from stdout. After start-up and after every result the worker prints a
readiness token (WORKER_READY by default) on its own line.

Languages: javascript (embedded) or wasi (a guest .wasm module).

Without a subcommand, warmer runs the worker loop (same as 'warmer serve').`,
	Args:          cobra.NoArgs,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError ends the process with a specific status and no message.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (YAML or JSON)")
	flags.StringP("lang", "l", "", "Language: javascript (js), wasi (default: javascript)")
	flags.String("ready-token", "", "Readiness token (default: WORKER_READY)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: json, text")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("outputs", "", "Directory for saved figures (default: outputs)")
	flags.StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	flags.String("wasi-module", "", "Guest .wasm module for --lang wasi")
	flags.String("memory", "", "Guest memory limit for --lang wasi, e.g. 64mb, 1gb")
	flags.Bool("no-cache", false, "Disable the wasi compilation cache")
	flags.Int("max-output", 0, "Per-stream output cap in bytes (0 = unlimited)")
}

// loadConfig layers the config file, environment, and any flags set on cmd,
// then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	strFlags := map[string]*string{
		"ready-token":  &cfg.ReadyToken,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"metrics-addr": &cfg.MetricsAddr,
		"outputs":      &cfg.OutputsDir,
		"wasi-module":  &cfg.WASI.Module,
		"memory":       &cfg.WASI.Memory,
	}
	for name, field := range strFlags {
		if flags.Changed(name) {
			*field, _ = flags.GetString(name)
		}
	}

	if flags.Changed("lang") {
		lang, _ := flags.GetString("lang")
		cfg.Language = normalizeLanguage(lang)
	}
	if flags.Changed("no-cache") {
		cfg.WASI.NoCache, _ = flags.GetBool("no-cache")
	}
	if flags.Changed("max-output") {
		cfg.MaxOutput, _ = flags.GetInt("max-output")
	}
	if flags.Changed("mount") {
		specs, _ := flags.GetStringSlice("mount")
		cfg.Mounts = nil
		for _, spec := range specs {
			m, err := config.ParseMount(spec)
			if err != nil {
				return nil, err
			}
			cfg.Mounts = append(cfg.Mounts, m)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "js", "javascript", "node":
		return config.LanguageJavaScript
	case "wasi", "wasm":
		return config.LanguageWASI
	default:
		return lang
	}
}

// detectLanguage picks a language from a file extension when --lang is not
// given. It returns "" if the extension is not recognized.
func detectLanguage(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".js", ".mjs", ".cjs":
		return config.LanguageJavaScript
	}
	return ""
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
