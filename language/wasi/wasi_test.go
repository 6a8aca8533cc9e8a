package wasi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/hostfunc"
)

//go:generate sh -c "cd testdata && GOOS=wasip1 GOARCH=wasm go build -o guest.wasm guest.go"

var (
	guestOnce  sync.Once
	guestPath  string
	guestErr   error
	guestBuild string
)

func TestMain(m *testing.M) {
	code := m.Run()
	if guestBuild != "" {
		os.RemoveAll(guestBuild)
	}
	os.Exit(code)
}

// guestModule locates the test guest: WARMER_WASI_MODULE, then
// testdata/guest.wasm, then a fresh build of testdata/guest.go with the go
// command on PATH.
func guestModule(t *testing.T) []byte {
	t.Helper()
	guestOnce.Do(func() {
		guestPath, guestErr = findGuest()
	})
	if guestErr != nil {
		t.Skipf("guest module not available: %v", guestErr)
	}
	wasm, err := os.ReadFile(guestPath)
	if err != nil {
		t.Fatal(err)
	}
	return wasm
}

func findGuest() (string, error) {
	if path := os.Getenv("WARMER_WASI_MODULE"); path != "" {
		return path, nil
	}
	prebuilt := filepath.Join("testdata", "guest.wasm")
	if _, err := os.Stat(prebuilt); err == nil {
		return prebuilt, nil
	}
	return buildGuest()
}

func buildGuest() (string, error) {
	gobin, err := exec.LookPath("go")
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "warmer-guest-")
	if err != nil {
		return "", err
	}
	guestBuild = dir

	out := filepath.Join(dir, "guest.wasm")
	cmd := exec.Command(gobin, "build", "-o", out, "guest.go")
	cmd.Dir = "testdata"
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm")
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("build guest: %w: %s", err, msg)
	}
	return out, nil
}

func newTestNamespace(t *testing.T) *executor.Namespace {
	t.Helper()
	caps, err := hostfunc.NewTable(hostfunc.NewKV(hostfunc.DefaultKVConfig()).Module())
	if err != nil {
		t.Fatal(err)
	}
	interp, err := New(context.Background(), guestModule(t), caps,
		WithoutDiskCache(),
		WithName("guest"),
		WithStartTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("start guest: %v", err)
	}
	ns := executor.NewNamespace(interp, caps)
	t.Cleanup(func() { ns.Close() })
	return ns
}

func TestGuestBasic(t *testing.T) {
	ns := newTestNamespace(t)
	r := executor.New().Run(context.Background(), ns, "print hello\neprint note")

	if r.ExitCode != 0 {
		t.Fatalf("run failed: %s", r.Stderr)
	}
	if r.Stdout != "hello\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if r.Stderr != "note\n" {
		t.Errorf("stderr = %q", r.Stderr)
	}
}

func TestGuestStatePersists(t *testing.T) {
	ns := newTestNamespace(t)
	exec := executor.New()

	if r := exec.Run(context.Background(), ns, "set x 42"); r.ExitCode != 0 {
		t.Fatalf("first run failed: %s", r.Stderr)
	}
	r := exec.Run(context.Background(), ns, "get x")
	if r.Stdout != "42\n" {
		t.Errorf("expected 42, got %q", r.Stdout)
	}
}

func TestGuestError(t *testing.T) {
	ns := newTestNamespace(t)
	r := executor.New().Run(context.Background(), ns, "print partial\nget missing")

	if r.ExitCode != 1 {
		t.Fatalf("exit code = %d", r.ExitCode)
	}
	if r.Stdout != "partial\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if !strings.Contains(r.Stderr, "NameError") {
		t.Errorf("stderr = %q", r.Stderr)
	}
	if !errors.Is(r.Err, executor.ErrCodeExecution) {
		t.Errorf("err = %v", r.Err)
	}
}

func TestGuestHostCall(t *testing.T) {
	ns := newTestNamespace(t)
	exec := executor.New()

	r := exec.Run(context.Background(), ns, `call kv.set {"key":"k","value":"v"}
call kv.get {"key":"k"}`)
	if r.ExitCode != 0 {
		t.Fatalf("run failed: %s", r.Stderr)
	}
	if !strings.HasSuffix(r.Stdout, "\"v\"\n") {
		t.Errorf("stdout = %q", r.Stdout)
	}
}

func TestGuestName(t *testing.T) {
	ns := newTestNamespace(t)
	if ns.Interpreter.Name() != "guest" {
		t.Errorf("name = %q", ns.Interpreter.Name())
	}
}

func TestNewInvalidModule(t *testing.T) {
	_, err := New(context.Background(), []byte("not wasm"), nil, WithoutDiskCache())
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNewFromFileMissing(t *testing.T) {
	_, err := NewFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.wasm"), nil)
	if err == nil {
		t.Fatal("expected read error")
	}
}

func TestMemoryPages(t *testing.T) {
	if got := MemoryPages(256 << 20); got != 4096 {
		t.Errorf("MemoryPages(256MB) = %d, want 4096", got)
	}
}
