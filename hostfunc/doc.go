// Package hostfunc provides the capability table pre-bound into every
// worker namespace.
//
// A [Table] holds named, versioned [Module]s. Each module is a set of
// [Binding]s backed by plain Go functions with the [Func] signature, so the
// same table serves every interpreter: the JavaScript runtime installs each
// module as a global object, and WASI guests call bindings by qualified
// name ("kv.get") over the session protocol.
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	table, err := hostfunc.NewTable(kv.Module())
//
// Modules may carry a Reset hook. The executor calls [Table.Reset] after every
// evaluation so that per-task state (open figures, for instance) does not
// leak into the next task. State that is meant to persist, like the
// key-value store, simply has no hook.
//
// # Built-in modules
//
// Filesystem: mount-based access via [FS], [Mount], and [MountMode].
//
//	fs := hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly},
//	})
//	table.Add(fs.Module())
//
// Key-value store: in-memory storage via [KV] and [KVConfig].
//
// The plotting and statistics modules live in their own packages.
package hostfunc
