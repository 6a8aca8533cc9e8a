// Package executor is the execution engine of a worker.
//
// # Overview
//
// A [Namespace] pairs an [Interpreter] with the capability table it was built
// on. It is created once per process and passed into every [Executor.Run]:
//
//	caps, _ := hostfunc.NewTable(figure.New("./outputs").Module(), stats.Module())
//	interp, _ := javascript.New(caps)
//	ns := executor.NewNamespace(interp, caps)
//	defer ns.Close()
//
//	exec := executor.New(executor.WithLogger(logger))
//	exec.Run(ctx, ns, `var x = 42`)
//	res := exec.Run(ctx, ns, `print(x)`) // res.Stdout == "42\n"
//
// # Outcomes
//
// Run never returns an error. Every outcome is folded into [Result]:
//
//   - success: ExitCode 0, captured stdout and stderr.
//   - code failure ([ErrCodeExecution]): ExitCode 1, stderr is the captured
//     stderr, a newline, and the interpreter's trace.
//   - engine fault ([ErrEngineFault]): ExitCode 1, same layout with the
//     fault message in place of the trace. Panics inside the interpreter
//     are recovered into this class.
//
// After every run the namespace's capability modules are reset. A failing
// reset is logged and counted but never alters the Result.
//
// There is no timeout at this layer. Cancelling ctx interrupts a running
// evaluation where the interpreter supports it.
package executor
