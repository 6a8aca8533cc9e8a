package executor

import (
	"errors"
	"strings"
)

// Sentinel errors for outcome classification.
var (
	// ErrCodeExecution marks failures raised by the submitted code itself:
	// syntax errors, uncaught exceptions, interrupted runs.
	ErrCodeExecution = errors.New("code execution error")

	// ErrEngineFault marks failures of the engine or interpreter rather than
	// of the submitted code.
	ErrEngineFault = errors.New("engine fault")
)

// ExecError is a failure raised by submitted code. Interpreters return it
// from Eval; any other error is treated as an engine fault.
type ExecError struct {
	// Message is the one-line error, e.g. "ReferenceError: x is not defined".
	Message string

	// Trace is the formatted diagnostic trace. It usually repeats Message
	// on its first line followed by the stack.
	Trace string

	// Err is the underlying interpreter error, if any.
	Err error
}

func (e *ExecError) Error() string {
	return e.Message
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is makes every ExecError match ErrCodeExecution.
func (e *ExecError) Is(target error) bool {
	return target == ErrCodeExecution
}

// Diagnostic returns the text appended to stderr for this failure.
func (e *ExecError) Diagnostic() string {
	if strings.TrimSpace(e.Trace) != "" {
		return e.Trace
	}
	return e.Message
}

// diagnostic renders any run error for the stderr stream.
func diagnostic(err error) string {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Diagnostic()
	}
	return err.Error()
}
