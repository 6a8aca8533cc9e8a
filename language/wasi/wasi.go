// Package wasi runs a long-lived WebAssembly guest interpreter under wazero
// and drives it as an executor.Interpreter.
//
// The guest is any WASI program that speaks the session protocol: it reads
// one JSON command per line on stdin ({"type":"exec","code":"..."}), writes
// program output to stdout and stderr, and marks progress on stderr with
// NUL-delimited markers (see protocol.go). Host capabilities are reached
// through WARM_CALL markers, answered on stdin as
// {"id":"...","data":...} or {"id":"...","error":"..."}.
//
// Because the guest process stays alive between evaluations, its globals
// persist exactly as they would in an in-process interpreter.
package wasi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/hostfunc"
)

var (
	ErrGuestExited  = errors.New("guest exited")
	ErrStartTimeout = errors.New("guest start timeout")
)

// Option configures an Interpreter.
type Option func(*config)

type config struct {
	name             string
	args             []string
	env              map[string]string
	memoryLimitPages uint32
	diskCache        bool
	cacheDir         string
	startTimeout     time.Duration
}

func defaultConfig() config {
	return config{
		name:         "wasi",
		env:          make(map[string]string),
		diskCache:    true,
		startTimeout: 30 * time.Second,
	}
}

// WithName sets the name the interpreter reports, e.g. "python".
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithArgs sets the guest's argv.
func WithArgs(args ...string) Option {
	return func(c *config) {
		c.args = args
	}
}

// WithEnv sets one guest environment variable.
func WithEnv(key, value string) Option {
	return func(c *config) {
		c.env[key] = value
	}
}

// WithMemoryLimitPages caps guest memory (each page = 64KB). 0 keeps the
// wazero default of 4GB.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithCacheDir sets where compiled modules are cached on disk.
func WithCacheDir(dir string) Option {
	return func(c *config) {
		c.cacheDir = dir
	}
}

// WithoutDiskCache disables the on-disk compilation cache.
func WithoutDiskCache() Option {
	return func(c *config) {
		c.diskCache = false
	}
}

// WithStartTimeout bounds how long New waits for the guest's ready marker.
func WithStartTimeout(d time.Duration) Option {
	return func(c *config) {
		c.startTimeout = d
	}
}

// MemoryPages converts a byte count into 64KB wasm pages, rounding down.
func MemoryPages(bytes int64) uint32 {
	return uint32(bytes / (64 * 1024))
}

// Interpreter is a running guest.
type Interpreter struct {
	cfg     config
	runtime wazero.Runtime
	cache   wazero.CompilationCache

	stdinReader *io.PipeReader
	stdinWriter *io.PipeWriter
	stdout      *switchWriter
	protocol    *guestProtocol

	// cancel terminates the guest; the runtime closes modules when their
	// context is done.
	cancel  context.CancelFunc
	exited  chan struct{}
	exitMu  sync.Mutex
	exitErr error

	closeOnce sync.Once
}

// NewFromFile reads a guest module from path and starts it.
func NewFromFile(ctx context.Context, path string, caps *hostfunc.Table, opts ...Option) (*Interpreter, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest module: %w", err)
	}
	return New(ctx, wasm, caps, opts...)
}

// New compiles and starts the guest, and waits until it reports ready.
// Every binding in caps is callable from the guest by its qualified name.
func New(ctx context.Context, wasm []byte, caps *hostfunc.Table, opts ...Option) (*Interpreter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	it := &Interpreter{
		cfg:     cfg,
		runtime: rt,
		cache:   cache,
		exited:  make(chan struct{}),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		it.closeRuntime()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		it.closeRuntime()
		return nil, fmt.Errorf("compile guest: %w", err)
	}

	if err := it.start(compiled, caps); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

func (it *Interpreter) start(compiled wazero.CompiledModule, caps *hostfunc.Table) error {
	it.stdinReader, it.stdinWriter = io.Pipe()
	it.stdout = &switchWriter{w: io.Discard}
	it.protocol = newGuestProtocol(caps, it.stdinWriter)

	args := it.cfg.args
	if len(args) == 0 {
		args = []string{it.cfg.name}
	}
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(it.stdout).
		WithStderr(it.protocol).
		WithStdin(it.stdinReader).
		WithArgs(args...).
		WithEnv("WARMER_SESSION", "1").
		WithName("")
	for k, v := range it.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	modCtx, cancel := context.WithCancel(context.Background())
	it.cancel = cancel

	go func() {
		mod, err := it.runtime.InstantiateModule(modCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		it.exitMu.Lock()
		it.exitErr = err
		it.exitMu.Unlock()
		close(it.exited)
	}()

	timer := time.NewTimer(it.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-it.protocol.Ready():
		return nil
	case <-it.exited:
		return fmt.Errorf("start guest: %w", it.exitError())
	case <-timer.C:
		return ErrStartTimeout
	}
}

// Name returns the configured language name.
func (it *Interpreter) Name() string {
	return it.cfg.name
}

type execCommand struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Eval sends code to the guest and waits for its done or error marker.
// Cancelling ctx terminates the guest; later calls fail with ErrGuestExited.
func (it *Interpreter) Eval(ctx context.Context, code string, stdout, stderr io.Writer) error {
	select {
	case <-it.exited:
		return fmt.Errorf("%w: %v", ErrGuestExited, it.exitError())
	default:
	}

	it.stdout.set(stdout)
	it.protocol.begin(ctx, stderr)
	defer func() {
		it.protocol.end()
		it.stdout.set(io.Discard)
	}()

	cmd, err := json.Marshal(execCommand{Type: "exec", Code: code})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := it.protocol.send(append(cmd, '\n')); err != nil {
		return fmt.Errorf("write command: %w", err)
	}

	select {
	case execErr := <-it.protocol.Done():
		return execErr
	case <-ctx.Done():
		it.terminate()
		return &executor.ExecError{Message: "execution interrupted: " + ctx.Err().Error(), Err: ctx.Err()}
	case <-it.exited:
		return fmt.Errorf("%w: %v", ErrGuestExited, it.exitError())
	}
}

// Close terminates the guest and releases the runtime.
func (it *Interpreter) Close() error {
	var err error
	it.closeOnce.Do(func() {
		it.terminate()
		err = it.closeRuntime()
	})
	return err
}

func (it *Interpreter) terminate() {
	if it.cancel != nil {
		it.cancel()
	}
	// A guest blocked on stdin sees EOF; a host call blocked on the pipe
	// fails instead of hanging.
	if it.stdinReader != nil {
		it.stdinReader.Close()
	}
	if it.stdinWriter != nil {
		it.stdinWriter.Close()
	}
}

func (it *Interpreter) closeRuntime() error {
	ctx := context.Background()
	var errs []error
	if err := it.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if it.cache != nil {
		if err := it.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (it *Interpreter) exitError() error {
	it.exitMu.Lock()
	defer it.exitMu.Unlock()
	if it.exitErr == nil {
		return errors.New("exit status 0")
	}
	return it.exitErr
}

// newGuestError builds an ExecError from a guest trace. The message is the
// last non-empty line, which for most interpreters names the error.
func newGuestError(trace string) error {
	trace = strings.TrimRight(trace, "\n")
	msg := trace
	lines := strings.Split(trace, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			msg = strings.TrimSpace(lines[i])
			break
		}
	}
	if msg == "" {
		msg = "guest reported an error"
	}
	return &executor.ExecError{Message: msg, Trace: trace}
}

// switchWriter forwards to a writer that changes per evaluation.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(p)
	return len(p), nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "warmer")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "warmer")
	}
	return filepath.Join(os.TempDir(), "warmer-cache")
}
