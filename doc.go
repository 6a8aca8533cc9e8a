// Package warmer is a warm-pool code execution worker.
//
// # Overview
//
// A supervisor keeps a pool of warmer processes alive and hands each one
// code to run. Every worker owns one namespace, created once at start, so
// bindings made by one task are visible to the next. Pre-bound capability
// modules (plt, stats, kv, and fs when mounts are configured) are available
// to every task.
//
// # Protocol
//
// Tasks arrive on stdin as JSON lines:
//
//	{"type":"exec","code":"x = 5"}
//	{"type":"exec","code":"print(x)"}
//	{"type":"ping"}
//	{"type":"shutdown"}
//
// Each exec is answered on stdout with one JSON line and a readiness token:
//
//	{"stdout":"5\n","stderr":"","exitCode":0}
//	WORKER_READY
//
// # Embedding
//
//	caps, _ := hostfunc.NewTable(stats.Module(), hostfunc.NewKV(hostfunc.DefaultKVConfig()).Module())
//	js, _ := javascript.New(caps)
//	ns := executor.NewNamespace(js, caps)
//	defer ns.Close()
//
//	w := worker.New(ns, executor.New(), os.Stdout)
//	err := w.Serve(ctx, os.Stdin)
//
// See the [executor], [worker], [protocol], [hostfunc], [language/javascript],
// and [language/wasi] packages for detailed API documentation.
package warmer
