package javascript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/figure"
	"github.com/caffeineduck/warmer/hostfunc"
	"github.com/caffeineduck/warmer/stats"
)

type env struct {
	exec *executor.Executor
	ns   *executor.Namespace
	figs *figure.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()

	figs := figure.New(t.TempDir())
	caps, err := hostfunc.NewTable(
		figs.Module(),
		stats.Module(),
		hostfunc.NewKV(hostfunc.DefaultKVConfig()).Module(),
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	interp, err := New(caps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ns := executor.NewNamespace(interp, caps)
	t.Cleanup(func() { ns.Close() })

	return &env{exec: executor.New(), ns: ns, figs: figs}
}

func (e *env) run(code string) executor.Result {
	return e.exec.Run(context.Background(), e.ns, code)
}

func TestJavaScriptBasicExecution(t *testing.T) {
	e := newEnv(t)
	result := e.run(`console.log("hello")`)
	if result.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", result.Stderr)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected 'hello', got %q", result.Stdout)
	}
}

func TestJavaScriptComputation(t *testing.T) {
	e := newEnv(t)
	result := e.run(`
const sum = [1,2,3,4,5].reduce((a,b) => a + b, 0);
print(sum);
`)
	if result.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", result.Stderr)
	}
	if strings.TrimSpace(result.Stdout) != "15" {
		t.Errorf("expected '15', got %q", result.Stdout)
	}
}

func TestJavaScriptPersistentGlobals(t *testing.T) {
	e := newEnv(t)

	if r := e.run(`var x = 5; function double(n) { return n * 2 }`); r.ExitCode != 0 {
		t.Fatalf("define failed: %s", r.Stderr)
	}
	if r := e.run(`x = double(x)`); r.ExitCode != 0 {
		t.Fatalf("update failed: %s", r.Stderr)
	}
	r := e.run(`print(x)`)
	if r.Stdout != "10\n" {
		t.Errorf("expected 10, got %q", r.Stdout)
	}
}

func TestJavaScriptGlobalsSurviveFailure(t *testing.T) {
	e := newEnv(t)
	e.run(`var kept = "yes"`)
	if r := e.run(`throw new Error("boom")`); r.ExitCode != 1 {
		t.Fatalf("expected failure, got %+v", r)
	}
	if r := e.run(`print(kept)`); r.Stdout != "yes\n" {
		t.Errorf("expected kept to survive, got %q", r.Stdout)
	}
}

func TestJavaScriptStreams(t *testing.T) {
	e := newEnv(t)
	r := e.run(`
console.log("out", 1);
console.info("info");
console.error("bad");
console.warn("careful");
`)
	if r.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", r.Stderr)
	}
	if r.Stdout != "out 1\ninfo\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if r.Stderr != "bad\ncareful\n" {
		t.Errorf("stderr = %q", r.Stderr)
	}
}

func TestJavaScriptPrintFormatsObjects(t *testing.T) {
	e := newEnv(t)
	r := e.run(`print({a: 1}, [1, "two"], null, undefined, true)`)
	if r.Stdout != `{"a":1} [1,"two"] null undefined true`+"\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
}

func TestJavaScriptException(t *testing.T) {
	e := newEnv(t)
	r := e.run(`
console.log("before");
function fail() { throw new Error("boom") }
fail();
`)
	if r.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", r.ExitCode)
	}
	if r.Stdout != "before\n" {
		t.Errorf("partial stdout lost: %q", r.Stdout)
	}
	if !strings.HasPrefix(r.Stderr, "\n") {
		t.Errorf("trace should follow a newline separator: %q", r.Stderr)
	}
	if !strings.Contains(r.Stderr, "Error: boom") {
		t.Errorf("stderr missing error: %q", r.Stderr)
	}
	if !strings.Contains(r.Stderr, "fail") {
		t.Errorf("stderr missing stack frame: %q", r.Stderr)
	}
	if !errors.Is(r.Err, executor.ErrCodeExecution) {
		t.Errorf("err = %v, want code execution", r.Err)
	}
}

func TestJavaScriptReferenceError(t *testing.T) {
	e := newEnv(t)
	r := e.run(`print(undefinedThing)`)
	if r.ExitCode != 1 || !strings.Contains(r.Stderr, "ReferenceError") {
		t.Errorf("got %+v", r)
	}
}

func TestJavaScriptSyntaxError(t *testing.T) {
	e := newEnv(t)
	r := e.run(`this is not valid`)
	if r.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", r.ExitCode)
	}
	if !strings.Contains(r.Stderr, "SyntaxError") {
		t.Errorf("stderr = %q", r.Stderr)
	}
	if !errors.Is(r.Err, executor.ErrCodeExecution) {
		t.Errorf("err = %v", r.Err)
	}
}

func TestJavaScriptStackOverflow(t *testing.T) {
	caps, _ := hostfunc.NewTable()
	interp, err := New(caps, WithMaxCallStackSize(100))
	if err != nil {
		t.Fatal(err)
	}
	ns := executor.NewNamespace(interp, caps)
	defer ns.Close()

	r := executor.New().Run(context.Background(), ns, `print(1); console.error(2); function f() { return f() } f()`)
	if r.ExitCode != 1 || !errors.Is(r.Err, executor.ErrCodeExecution) {
		t.Errorf("got %+v", r)
	}
	if r.Stdout != "1\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if !strings.HasPrefix(r.Stderr, "2\n\nRangeError: Maximum call stack size exceeded\n") {
		t.Errorf("stderr = %q", r.Stderr)
	}
	if strings.Contains(r.Stderr, "<nil>") {
		t.Errorf("stderr has no diagnostic: %q", r.Stderr)
	}
	if !strings.Contains(r.Stderr, "at f (") {
		t.Errorf("stderr has no frames: %q", r.Stderr)
	}
	if !strings.Contains(r.Stderr, "more frames") {
		t.Errorf("frames not trimmed: %q", r.Stderr)
	}
}

func TestTrimFrames(t *testing.T) {
	if got := trimFrames("\tat a\n\tat b\n", 5); got != "\tat a\n\tat b" {
		t.Errorf("got %q", got)
	}
	if got := trimFrames("\tat a\n\tat b\n\tat c\n", 1); got != "\tat a\n\t... 2 more frames" {
		t.Errorf("got %q", got)
	}
}

func TestJavaScriptInterrupt(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := e.exec.Run(ctx, e.ns, `while(true){}`)
	if time.Since(start) > 5*time.Second {
		t.Fatal("interrupt did not stop the loop")
	}
	if r.ExitCode != 1 || !strings.Contains(r.Stderr, "interrupted") {
		t.Errorf("got %+v", r)
	}

	// The runtime must be usable again after an interrupt.
	if r := e.run(`print("again")`); r.Stdout != "again\n" {
		t.Errorf("after interrupt: %+v", r)
	}
}

func TestJavaScriptStats(t *testing.T) {
	e := newEnv(t)
	r := e.run(`
print(stats.mean([1, 2, 3, 4]));
print(stats.sum({values: [1.5, 2.5]}));
print(stats.linspace(0, 1, 3).length);
`)
	if r.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", r.Stderr)
	}
	if r.Stdout != "2.5\n4\n3\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
}

func TestJavaScriptHostError(t *testing.T) {
	e := newEnv(t)
	r := e.run(`
try {
  stats.mean([]);
} catch (e) {
  print("caught");
}
stats.mean([]);
`)
	if r.Stdout != "caught\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if r.ExitCode != 1 || !strings.Contains(r.Stderr, "stats.mean") {
		t.Errorf("got %+v", r)
	}
}

func TestJavaScriptTooManyArgs(t *testing.T) {
	e := newEnv(t)
	r := e.run(`stats.mean([1], 2, 3)`)
	if r.ExitCode != 1 || !strings.Contains(r.Stderr, "TypeError") {
		t.Errorf("got %+v", r)
	}
}

func TestJavaScriptKV(t *testing.T) {
	e := newEnv(t)
	e.run(`kv.set("greeting", "hi")`)
	r := e.run(`print(kv.get("greeting"), kv.get("missing", "fallback"))`)
	if r.Stdout != "hi fallback\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
}

func TestJavaScriptPlotStateReset(t *testing.T) {
	e := newEnv(t)

	r := e.run(`plt.figure("one"); plt.plot([0, 1], [1, 2]); print(plt.figures().length)`)
	if r.ExitCode != 0 || r.Stdout != "1\n" {
		t.Fatalf("got %+v", r)
	}
	if open := e.figs.Open(); len(open) != 0 {
		t.Errorf("figures left open after run: %v", open)
	}

	r = e.run(`print(plt.figures().length)`)
	if r.Stdout != "0\n" {
		t.Errorf("figures leaked into next task: %q", r.Stdout)
	}
}

func TestJavaScriptSavefig(t *testing.T) {
	dir := t.TempDir()
	figs := figure.New(dir)
	caps, _ := hostfunc.NewTable(figs.Module())
	interp, err := New(caps)
	if err != nil {
		t.Fatal(err)
	}
	ns := executor.NewNamespace(interp, caps)
	defer ns.Close()

	r := executor.New().Run(context.Background(), ns, `
plt.title("squares");
plt.plot([1, 2, 3], [1, 4, 9], "y");
plt.savefig("sq.png");
`)
	if r.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", r.Stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "sq.png")); err != nil {
		t.Errorf("image not written: %v", err)
	}
}

func TestJavaScriptCustomHostFunction(t *testing.T) {
	caps, err := hostfunc.NewTable(&hostfunc.Module{
		Name: "greeter",
		Bindings: []hostfunc.Binding{{
			Name:   "greet",
			Params: []string{"name"},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := hostfunc.String(args, "name", "nobody")
				return "Hello, " + name + "!", nil
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	interp, err := New(caps)
	if err != nil {
		t.Fatal(err)
	}
	ns := executor.NewNamespace(interp, caps)
	defer ns.Close()

	r := executor.New().Run(context.Background(), ns, `
print(greeter.greet("World"));
print(greeter.greet({name: "Named"}));
print(greeter.greet());
`)
	if r.ExitCode != 0 {
		t.Fatalf("unexpected failure: %s", r.Stderr)
	}
	if r.Stdout != "Hello, World!\nHello, Named!\nHello, nobody!\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
}

func TestJavaScriptClosed(t *testing.T) {
	interp, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	interp.Close()

	r := executor.New().Run(context.Background(), executor.NewNamespace(interp, nil), `1`)
	if !errors.Is(r.Err, executor.ErrEngineFault) {
		t.Errorf("err = %v, want engine fault", r.Err)
	}
}
