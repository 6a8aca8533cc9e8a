// Package config handles loading and validating worker configuration.
//
// Values are layered: built-in defaults, then an optional YAML or JSON file,
// then WARMER_* environment variables (a .env file in the working directory
// is loaded first), then command-line flags applied by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/warmer/hostfunc"
	"github.com/caffeineduck/warmer/protocol"
)

// Supported languages.
const (
	LanguageJavaScript = "javascript"
	LanguageWASI       = "wasi"
)

// Config is the root configuration of a worker.
type Config struct {
	Language    string        `json:"language" yaml:"language"`                   // "javascript" (default) or "wasi".
	ReadyToken  string        `json:"ready_token" yaml:"ready_token"`             // Default: WORKER_READY.
	LogLevel    string        `json:"log_level" yaml:"log_level"`                 // debug, info (default), warn, error.
	LogFormat   string        `json:"log_format" yaml:"log_format"`               // json (default) or text.
	MetricsAddr string        `json:"metrics_addr,omitempty" yaml:"metrics_addr"` // Empty = no metrics endpoint.
	OutputsDir  string        `json:"outputs_dir" yaml:"outputs_dir"`             // Where plt.savefig writes. Default: ./outputs.
	MaxOutput   int           `json:"max_output" yaml:"max_output"`               // Per-stream capture cap in bytes. 0 = unlimited.
	Mounts      []MountConfig `json:"mounts,omitempty" yaml:"mounts,omitempty"`   // Empty = no fs module.
	KV          KVConfig      `json:"kv" yaml:"kv"`
	WASI        WASIConfig    `json:"wasi" yaml:"wasi"`
	Tracing     TracingConfig `json:"tracing" yaml:"tracing"`
}

// MountConfig exposes a host directory to evaluated code.
type MountConfig struct {
	Virtual string `json:"virtual" yaml:"virtual"`
	Host    string `json:"host" yaml:"host"`
	Mode    string `json:"mode" yaml:"mode"` // ro, rw, or rwc.
}

// KVConfig limits the kv capability module.
type KVConfig struct {
	MaxKeySize   int `json:"max_key_size" yaml:"max_key_size"`
	MaxValueSize int `json:"max_value_size" yaml:"max_value_size"`
	MaxEntries   int `json:"max_entries" yaml:"max_entries"`
}

// WASIConfig configures the wasi language.
type WASIConfig struct {
	Module   string   `json:"module" yaml:"module"`                 // Path to the guest .wasm file.
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"` // Guest argv.
	Memory   string   `json:"memory,omitempty" yaml:"memory"`       // e.g. "256mb". Empty = wazero default.
	CacheDir string   `json:"cache_dir,omitempty" yaml:"cache_dir"` // Compilation cache. Default: ~/.cache/warmer.
	NoCache  bool     `json:"no_cache" yaml:"no_cache"`
}

// TracingConfig configures OpenTelemetry tracing of task execution.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "warmer"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. 0 means 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	kv := hostfunc.DefaultKVConfig()
	return &Config{
		Language:   LanguageJavaScript,
		ReadyToken: protocol.DefaultReadyToken,
		LogLevel:   "info",
		LogFormat:  "json",
		OutputsDir: "outputs",
		KV: KVConfig{
			MaxKeySize:   kv.MaxKeySize,
			MaxValueSize: kv.MaxValueSize,
			MaxEntries:   kv.MaxEntries,
		},
	}
}

// Load returns the defaults overlaid with the file at path (if path is not
// empty) and the environment. It does not validate; callers apply flags
// first and then call Validate.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from WARMER_* variables read through getenv.
// WARMER_MOUNTS is a comma-separated list of virtual:host:mode specs.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"WARMER_LANGUAGE":       &c.Language,
		"WARMER_READY_TOKEN":    &c.ReadyToken,
		"WARMER_LOG_LEVEL":      &c.LogLevel,
		"WARMER_LOG_FORMAT":     &c.LogFormat,
		"WARMER_METRICS_ADDR":   &c.MetricsAddr,
		"WARMER_OUTPUTS_DIR":    &c.OutputsDir,
		"WARMER_WASI_MODULE":    &c.WASI.Module,
		"WARMER_WASI_MEMORY":    &c.WASI.Memory,
		"WARMER_WASI_CACHE_DIR": &c.WASI.CacheDir,

		"WARMER_TRACING_ENDPOINT": &c.Tracing.Endpoint,
		"WARMER_TRACING_PROTOCOL": &c.Tracing.Protocol,
	}
	for key, field := range str {
		if v := getenv(key); v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"WARMER_MAX_OUTPUT":        &c.MaxOutput,
		"WARMER_KV_MAX_KEY_SIZE":   &c.KV.MaxKeySize,
		"WARMER_KV_MAX_VALUE_SIZE": &c.KV.MaxValueSize,
		"WARMER_KV_MAX_ENTRIES":    &c.KV.MaxEntries,
	}
	for key, field := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*field = n
		}
	}

	bools := map[string]*bool{
		"WARMER_WASI_NO_CACHE":    &c.WASI.NoCache,
		"WARMER_TRACING_ENABLED":  &c.Tracing.Enabled,
		"WARMER_TRACING_INSECURE": &c.Tracing.Insecure,
	}
	for key, field := range bools {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*field = b
		}
	}

	if v := getenv("WARMER_MOUNTS"); v != "" {
		c.Mounts = nil
		for _, spec := range strings.Split(v, ",") {
			m, err := ParseMount(strings.TrimSpace(spec))
			if err != nil {
				return fmt.Errorf("WARMER_MOUNTS: %w", err)
			}
			c.Mounts = append(c.Mounts, m)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Language {
	case LanguageJavaScript:
	case LanguageWASI:
		if c.WASI.Module == "" {
			return fmt.Errorf("language %q requires wasi.module", c.Language)
		}
	default:
		return fmt.Errorf("unknown language %q (expected %s or %s)", c.Language, LanguageJavaScript, LanguageWASI)
	}

	if strings.TrimSpace(c.ReadyToken) == "" {
		return fmt.Errorf("ready_token must not be empty")
	}
	if strings.ContainsAny(c.ReadyToken, "\r\n") {
		return fmt.Errorf("ready_token must be a single line")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}

	if c.MaxOutput < 0 {
		return fmt.Errorf("max_output must not be negative")
	}
	if c.KV.MaxKeySize <= 0 || c.KV.MaxValueSize <= 0 || c.KV.MaxEntries <= 0 {
		return fmt.Errorf("kv limits must be positive")
	}

	for _, m := range c.Mounts {
		if _, err := m.Mount(); err != nil {
			return err
		}
	}

	if _, err := ParseMemory(c.WASI.Memory); err != nil {
		return err
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("unknown tracing.protocol %q (expected grpc or http)", c.Tracing.Protocol)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

// HostMounts converts the configured mounts.
func (c *Config) HostMounts() ([]hostfunc.Mount, error) {
	mounts := make([]hostfunc.Mount, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		hm, err := m.Mount()
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, hm)
	}
	return mounts, nil
}

// KVLimits converts the kv settings.
func (c *Config) KVLimits() hostfunc.KVConfig {
	return hostfunc.KVConfig{
		MaxKeySize:   c.KV.MaxKeySize,
		MaxValueSize: c.KV.MaxValueSize,
		MaxEntries:   c.KV.MaxEntries,
	}
}

// ParseMount parses a virtual:host:mode spec.
func ParseMount(spec string) (MountConfig, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return MountConfig{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}
	m := MountConfig{Virtual: parts[0], Host: parts[1], Mode: parts[2]}
	if _, err := m.Mount(); err != nil {
		return MountConfig{}, err
	}
	return m, nil
}

// Mount converts the entry into a hostfunc.Mount.
func (m MountConfig) Mount() (hostfunc.Mount, error) {
	if m.Virtual == "" || m.Host == "" {
		return hostfunc.Mount{}, fmt.Errorf("mount %q:%q needs both a virtual and a host path", m.Virtual, m.Host)
	}
	mode, err := hostfunc.ParseMountMode(m.Mode)
	if err != nil {
		return hostfunc.Mount{}, err
	}
	return hostfunc.Mount{VirtualPath: m.Virtual, HostPath: m.Host, Mode: mode}, nil
}

var memoryUnits = []struct {
	suffix string
	scale  int64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"b", 1},
}

// ParseMemory parses sizes such as "256mb" or "1gb". Empty means 0 (no limit).
func ParseMemory(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for _, u := range memoryUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid memory size %q", s)
			}
			return n * u.scale, nil
		}
	}
	return 0, fmt.Errorf("invalid memory size %q (expected e.g. 64mb or 1gb)", s)
}
