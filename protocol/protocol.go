// Package protocol defines the line-oriented wire format between a worker
// and its supervisor.
//
// The supervisor writes one JSON task per line on the worker's stdin:
//
//	{"type":"exec","code":"print(1)"}
//	{"type":"ping"}
//	{"type":"shutdown"}
//
// The worker answers on stdout with one JSON object per line, interleaved
// with bare readiness tokens:
//
//	WORKER_READY
//	{"stdout":"1\n","stderr":"","exitCode":0}
//	WORKER_READY
//	{"type":"pong"}
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultReadyToken is the bare line a worker writes when it can accept the
// next task.
const DefaultReadyToken = "WORKER_READY"

// MalformedMessage is the stderr text of the reply to an undecodable line.
const MalformedMessage = "Invalid JSON input"

// Kind is the type of a task.
type Kind string

const (
	KindExec     Kind = "exec"
	KindPing     Kind = "ping"
	KindShutdown Kind = "shutdown"
)

// ErrMalformed is returned by DecodeTask for input that is not valid JSON.
var ErrMalformed = errors.New("malformed task")

// FieldError reports a syntactically valid task with an unusable field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return "invalid task: " + e.Reason
	}
	return fmt.Sprintf("invalid task: field %q %s", e.Field, e.Reason)
}

// Task is one decoded request.
type Task struct {
	Kind Kind
	Code string

	// Type is the raw type field as sent, kept for logging unknown types.
	Type string
}

// DecodeTask decodes one line. A missing, empty, or unknown type decodes as
// an exec. Fields are only checked for exec tasks, so a ping with a bogus
// code is still a ping.
func DecodeTask(line []byte) (Task, error) {
	if !json.Valid(line) {
		return Task{}, ErrMalformed
	}

	var raw map[string]json.RawMessage
	// A bare null unmarshals into a nil map without error.
	if err := json.Unmarshal(line, &raw); err != nil || raw == nil {
		return Task{}, &FieldError{Reason: "expected a JSON object"}
	}

	var task Task
	if t, ok := raw["type"]; ok && !isNull(t) {
		if err := json.Unmarshal(t, &task.Type); err != nil {
			return Task{}, &FieldError{Field: "type", Reason: "must be a string"}
		}
	}

	switch Kind(task.Type) {
	case KindPing:
		task.Kind = KindPing
		return task, nil
	case KindShutdown:
		task.Kind = KindShutdown
		return task, nil
	default:
		task.Kind = KindExec
	}

	if c, ok := raw["code"]; ok && !isNull(c) {
		if err := json.Unmarshal(c, &task.Code); err != nil {
			return Task{}, &FieldError{Field: "code", Reason: "must be a string"}
		}
	}
	return task, nil
}

// Known reports whether the task's type was one of the defined kinds.
func (t Task) Known() bool {
	switch Kind(t.Type) {
	case KindExec, KindPing, KindShutdown:
		return true
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Result is the reply to an exec task, or to a line that could not be run.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Failure is the Result for a line that never reached the engine.
func Failure(msg string) Result {
	return Result{Stderr: msg, ExitCode: 1}
}

// ControlReply answers control tasks.
type ControlReply struct {
	Type string `json:"type"`
}

// Pong is the reply to a ping.
var Pong = ControlReply{Type: "pong"}

// Writer writes replies as lines and flushes after each one. It is safe for
// concurrent use.
type Writer struct {
	mu    sync.Mutex
	w     *bufio.Writer
	token string
}

// NewWriter returns a Writer that emits token as its readiness signal.
func NewWriter(w io.Writer, token string) *Writer {
	if token == "" {
		token = DefaultReadyToken
	}
	return &Writer{w: bufio.NewWriter(w), token: token}
}

// WriteResult writes one Result line.
func (w *Writer) WriteResult(r Result) error {
	return w.writeJSON(r)
}

// WriteReply writes one control reply line.
func (w *Writer) WriteReply(r ControlReply) error {
	return w.writeJSON(r)
}

// WriteReady writes the readiness token line.
func (w *Writer) WriteReady() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.WriteString(w.token)
	w.w.WriteByte('\n')
	return w.w.Flush()
}

func (w *Writer) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Encoder appends the newline.
	enc := json.NewEncoder(w.w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.w.Flush()
}
