// Package javascript is an in-process JavaScript interpreter for the
// executor, backed by goja.
//
// Globals declared by one evaluation are visible to the next. Capability
// modules appear as global objects named after the module, so the plt
// module's figure binding is called as plt.figure("title").
package javascript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/hostfunc"
)

const defaultMaxCallStackSize = 10000

// Option configures a JavaScript interpreter.
type Option func(*JavaScript)

// WithMaxCallStackSize bounds recursion depth. Exceeding it raises a
// RangeError in the evaluated code.
func WithMaxCallStackSize(n int) Option {
	return func(j *JavaScript) {
		if n > 0 {
			j.maxStack = n
		}
	}
}

// JavaScript implements executor.Interpreter.
type JavaScript struct {
	vm       *goja.Runtime
	maxStack int

	// Set for the duration of one Eval.
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

// New creates an interpreter with every module in caps bound as a global.
// A nil caps binds nothing beyond print and console.
func New(caps *hostfunc.Table, opts ...Option) (*JavaScript, error) {
	j := &JavaScript{
		vm:       goja.New(),
		maxStack: defaultMaxCallStackSize,
		ctx:      context.Background(),
		stdout:   io.Discard,
		stderr:   io.Discard,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.vm.SetMaxCallStackSize(j.maxStack)
	j.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := j.bindConsole(); err != nil {
		return nil, err
	}
	if caps != nil {
		for _, m := range caps.Modules() {
			if err := j.bindModule(m); err != nil {
				return nil, fmt.Errorf("bind %s: %w", m.Name, err)
			}
		}
	}
	return j, nil
}

// Name returns "javascript".
func (j *JavaScript) Name() string {
	return "javascript"
}

// Eval runs code in the persistent global scope. Cancelling ctx interrupts
// the running script.
func (j *JavaScript) Eval(ctx context.Context, code string, stdout, stderr io.Writer) error {
	if j.vm == nil {
		return errors.New("interpreter closed")
	}
	if err := ctx.Err(); err != nil {
		return &executor.ExecError{Message: "execution interrupted: " + err.Error(), Err: err}
	}

	j.ctx, j.stdout, j.stderr = ctx, stdout, stderr
	defer func() {
		j.ctx, j.stdout, j.stderr = context.Background(), io.Discard, io.Discard
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			j.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	_, err := j.vm.RunString(code)

	close(done)
	wg.Wait()
	j.vm.ClearInterrupt()

	if err == nil {
		return nil
	}
	return classify(err)
}

// Close releases the runtime. Eval fails afterwards.
func (j *JavaScript) Close() error {
	j.vm = nil
	return nil
}

// classify turns a goja error into an ExecError. Everything goja returns
// from RunString originates in the evaluated code.
func classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &executor.ExecError{
			Message: "execution interrupted: " + fmt.Sprint(interrupted.Value()),
			Err:     err,
		}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &executor.ExecError{
			Message: stackOverflowMessage,
			Trace:   stackOverflowMessage + "\n" + trimFrames(overflow.String(), maxTraceFrames),
			Err:     err,
		}
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ex.Value().String()
		return &executor.ExecError{
			Message: msg,
			Trace:   strings.TrimRight(ex.String(), "\n"),
			Err:     err,
		}
	}

	return &executor.ExecError{Message: err.Error(), Err: err}
}

const (
	stackOverflowMessage = "RangeError: Maximum call stack size exceeded"
	maxTraceFrames       = 20
)

// trimFrames keeps the first n lines of a goja stack dump.
func trimFrames(stack string, n int) string {
	frames := strings.Split(strings.TrimRight(stack, "\n"), "\n")
	if len(frames) <= n {
		return strings.Join(frames, "\n")
	}
	return strings.Join(frames[:n], "\n") + fmt.Sprintf("\n\t... %d more frames", len(frames)-n)
}

func (j *JavaScript) bindConsole() error {
	printTo := func(stream func() io.Writer) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatValue(arg)
			}
			fmt.Fprintln(stream(), strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	out := printTo(func() io.Writer { return j.stdout })
	errOut := printTo(func() io.Writer { return j.stderr })

	console := j.vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"log":   out,
		"info":  out,
		"debug": out,
		"error": errOut,
		"warn":  errOut,
	} {
		if err := console.Set(name, fn); err != nil {
			return err
		}
	}
	if err := j.vm.Set("console", console); err != nil {
		return err
	}
	return j.vm.Set("print", out)
}

func (j *JavaScript) bindModule(m *hostfunc.Module) error {
	obj := j.vm.NewObject()
	for _, b := range m.Bindings {
		if err := obj.Set(b.Name, j.wrap(m.Name, b)); err != nil {
			return err
		}
	}
	return j.vm.Set(m.Name, obj)
}

// wrap adapts a host binding to a JavaScript function. Positional arguments
// are named by the binding's Params. A single plain-object argument is taken
// as the named arguments themselves.
func (j *JavaScript) wrap(module string, b hostfunc.Binding) func(goja.FunctionCall) goja.Value {
	qualified := module + "." + b.Name
	return func(call goja.FunctionCall) goja.Value {
		args, err := j.namedArgs(b, call.Arguments)
		if err != nil {
			panic(j.vm.NewTypeError("%s: %v", qualified, err))
		}

		result, err := safeCall(j.ctx, b.Fn, args)
		if err != nil {
			panic(j.vm.NewGoError(fmt.Errorf("%s: %w", qualified, err)))
		}
		if result == nil {
			return goja.Undefined()
		}
		return j.vm.ToValue(result)
	}
}

func (j *JavaScript) namedArgs(b hostfunc.Binding, values []goja.Value) (map[string]any, error) {
	args := make(map[string]any, len(values))

	if len(values) == 1 && isPlainObject(values[0]) {
		if named, ok := values[0].Export().(map[string]any); ok {
			for k, v := range named {
				args[k] = v
			}
			return args, nil
		}
	}

	if len(values) > len(b.Params) {
		return nil, fmt.Errorf("takes at most %d arguments, got %d", len(b.Params), len(values))
	}
	for i, v := range values {
		if goja.IsUndefined(v) {
			continue
		}
		args[b.Params[i]] = v.Export()
	}
	return args, nil
}

func safeCall(ctx context.Context, fn hostfunc.Func, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

func isPlainObject(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	return ok && obj.ClassName() == "Object"
}

// formatValue renders a value the way print shows it: strings raw, plain
// objects and arrays as JSON, everything else via its JavaScript string form.
func formatValue(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		switch obj.ClassName() {
		case "Object", "Array":
			if b, err := json.Marshal(obj.Export()); err == nil {
				return string(b)
			}
		}
	}
	return v.String()
}
