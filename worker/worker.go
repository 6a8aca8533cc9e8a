// Package worker runs the protocol loop of a warm-pool worker: it reads
// tasks from the supervisor, runs them against one persistent namespace, and
// answers each with a reply and a readiness token.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/internal/metrics"
	"github.com/caffeineduck/warmer/protocol"
)

// Runner evaluates code against a namespace. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, ns *executor.Namespace, code string) executor.Result
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger. Log output must never go to the
// protocol stream.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics records task and readiness counts.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithReadyToken overrides protocol.DefaultReadyToken.
func WithReadyToken(token string) Option {
	return func(w *Worker) {
		w.token = token
	}
}

// Worker is one worker process's loop. Tasks are handled strictly one at a
// time, in arrival order.
type Worker struct {
	id      string
	ns      *executor.Namespace
	runner  Runner
	out     *protocol.Writer
	token   string
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a worker that runs tasks against ns and replies on out.
func New(ns *executor.Namespace, runner Runner, out io.Writer, opts ...Option) *Worker {
	w := &Worker{
		id:     uuid.NewString(),
		ns:     ns,
		runner: runner,
		token:  protocol.DefaultReadyToken,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.out = protocol.NewWriter(out, w.token)
	w.logger = w.logger.With(slog.String("worker_id", w.id))
	return w
}

// ID returns the worker's unique id.
func (w *Worker) ID() string {
	return w.id
}

type line struct {
	text string
	err  error
}

// Serve signals readiness, then handles lines from in until a shutdown task,
// end of input, or ctx is done. It returns nil on shutdown or end of input,
// ctx.Err() on cancellation, and the write error if replies can no longer be
// delivered. Per-task failures never end the loop.
func (w *Worker) Serve(ctx context.Context, in io.Reader) error {
	w.logger.Info("worker started", slog.String("ready_token", w.token))

	if err := w.ready(); err != nil {
		return err
	}

	lines := make(chan line)
	done := make(chan struct{})
	defer close(done)
	go readLines(in, lines, done)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		case l := <-lines:
			if text := strings.TrimSpace(l.text); text != "" {
				stop, err := w.handle(ctx, text)
				if err != nil {
					w.logger.Error("write reply failed", slog.String("error", err.Error()))
					return fmt.Errorf("write reply: %w", err)
				}
				if stop {
					w.logger.Info("shutdown requested")
					return nil
				}
			}
			if l.err != nil {
				if errors.Is(l.err, io.EOF) {
					w.logger.Info("input closed")
					return nil
				}
				return fmt.Errorf("read task: %w", l.err)
			}
		}
	}
}

// readLines feeds lines from in until it fails. A final line without a
// newline is delivered together with io.EOF.
func readLines(in io.Reader, out chan<- line, done <-chan struct{}) {
	r := bufio.NewReader(in)
	for {
		text, err := r.ReadString('\n')
		select {
		case out <- line{text: text, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle processes one non-blank line. It reports whether the loop should
// stop, and any error writing to the supervisor.
func (w *Worker) handle(ctx context.Context, text string) (stop bool, err error) {
	logger := w.logger.With(slog.String("task_id", xid.New().String()))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", slog.Any("panic", r))
			w.metrics.Task(metrics.KindFault, metrics.OutcomeError)
			stop, err = false, w.reply(protocol.Failure(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	task, err := protocol.DecodeTask([]byte(text))
	if err != nil {
		var fieldErr *protocol.FieldError
		switch {
		case errors.As(err, &fieldErr):
			logger.Warn("invalid task", slog.String("error", err.Error()))
			w.metrics.Task(metrics.KindFault, metrics.OutcomeError)
			return false, w.reply(protocol.Failure(err.Error()))
		default:
			logger.Warn("malformed task", slog.Int("bytes", len(text)))
			w.metrics.Task(metrics.KindMalformed, metrics.OutcomeError)
			return false, w.reply(protocol.Failure(protocol.MalformedMessage))
		}
	}

	switch task.Kind {
	case protocol.KindPing:
		logger.Debug("ping")
		w.metrics.Task(metrics.KindPing, metrics.OutcomeOK)
		return false, w.out.WriteReply(protocol.Pong)
	case protocol.KindShutdown:
		return true, nil
	}

	if !task.Known() && task.Type != "" {
		logger.Debug("unknown task type treated as exec", slog.String("type", task.Type))
	}

	res := w.runner.Run(ctx, w.ns, task.Code)

	outcome := metrics.OutcomeOK
	if res.ExitCode != 0 {
		outcome = metrics.OutcomeError
	}
	w.metrics.Task(metrics.KindExec, outcome)
	logger.Info("task finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)

	return false, w.reply(protocol.Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	})
}

// reply writes a Result followed by the readiness token.
func (w *Worker) reply(r protocol.Result) error {
	if err := w.out.WriteResult(r); err != nil {
		return err
	}
	return w.ready()
}

func (w *Worker) ready() error {
	if err := w.out.WriteReady(); err != nil {
		return err
	}
	w.metrics.Ready()
	return nil
}
