package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/caffeineduck/warmer/hostfunc"
	"github.com/caffeineduck/warmer/internal/metrics"
)

// Interpreter evaluates code against global state it keeps between calls.
//
// Eval must write everything the code prints to stdout and stderr, which are
// scoped to that single call. A failure raised by the code is returned as an
// *ExecError; any other error is reported as an engine fault.
type Interpreter interface {
	// Name identifies the language, e.g. "javascript".
	Name() string

	Eval(ctx context.Context, code string, stdout, stderr io.Writer) error

	Close() error
}

// Namespace is the persistent execution context of one worker. It is created
// once at process start and passed by pointer into every Run. Bindings made
// by submitted code live in the interpreter and persist across runs;
// capability modules are reset after each run.
type Namespace struct {
	Interpreter  Interpreter
	Capabilities *hostfunc.Table
}

// NewNamespace pairs an interpreter with the capability table it was built on.
func NewNamespace(interp Interpreter, caps *hostfunc.Table) *Namespace {
	return &Namespace{Interpreter: interp, Capabilities: caps}
}

// Cleanup resets per-task capability state.
func (ns *Namespace) Cleanup() error {
	if ns == nil || ns.Capabilities == nil {
		return nil
	}
	return ns.Capabilities.Reset()
}

// Close releases the interpreter.
func (ns *Namespace) Close() error {
	if ns == nil || ns.Interpreter == nil {
		return nil
	}
	return ns.Interpreter.Close()
}

// Result is the outcome of one Run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Err is the classified failure when ExitCode is 1. It matches either
	// ErrCodeExecution or ErrEngineFault.
	Err error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for run and cleanup diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records run durations and cleanup failures.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithMaxOutput caps each captured stream at n bytes. 0 means unlimited.
func WithMaxOutput(n int) Option {
	return func(e *Executor) {
		e.maxOutput = n
	}
}

// Executor runs code against a Namespace and captures its output.
// It is not safe for concurrent use; one worker runs one task at a time.
type Executor struct {
	logger    *slog.Logger
	metrics   *metrics.Collector
	maxOutput int
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates code in ns. Output written before a failure is always kept.
// On failure the diagnostic trace is appended to stderr after a newline.
// Capability state is reset afterwards whatever the outcome; reset failures
// are logged and never change the Result.
func (e *Executor) Run(ctx context.Context, ns *Namespace, code string) Result {
	start := time.Now()

	stdout := newCaptureBuffer(e.maxOutput)
	stderr := newCaptureBuffer(e.maxOutput)

	err := e.eval(ctx, ns, code, stdout, stderr)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	outcome := metrics.OutcomeOK
	if err != nil {
		result.ExitCode = 1
		result.Err = err
		result.Stderr += "\n" + diagnostic(err)
		outcome = metrics.OutcomeError
	}

	e.cleanup(ns)

	e.metrics.Run(outcome, result.Duration)
	e.logger.Debug("run finished",
		slog.String("outcome", outcome),
		slog.Duration("duration", result.Duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
	)
	if errors.Is(err, ErrEngineFault) {
		e.logger.Error("engine fault", slog.String("error", err.Error()))
	}

	return result
}

func (e *Executor) eval(ctx context.Context, ns *Namespace, code string, stdout, stderr io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", ErrEngineFault, r, debug.Stack())
		}
	}()

	if ns == nil || ns.Interpreter == nil {
		return fmt.Errorf("%w: namespace has no interpreter", ErrEngineFault)
	}

	err = ns.Interpreter.Eval(ctx, code, stdout, stderr)
	if err == nil || errors.Is(err, ErrCodeExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEngineFault, err)
}

func (e *Executor) cleanup(ns *Namespace) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.CleanupFailed()
			e.logger.Warn("cleanup panicked", slog.Any("panic", r))
		}
	}()

	if err := ns.Cleanup(); err != nil {
		e.metrics.CleanupFailed()
		e.logger.Warn("cleanup failed", slog.String("error", err.Error()))
	}
}

// captureBuffer collects one stream of a single run, optionally capped.
type captureBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCaptureBuffer(limit int) *captureBuffer {
	return &captureBuffer{limit: limit}
}

// Write never fails so that capping output never turns into a code error.
func (c *captureBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *captureBuffer) String() string {
	if c.truncated {
		return c.buf.String() + fmt.Sprintf("\n[output truncated at %d bytes]", c.limit)
	}
	return c.buf.String()
}
