package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TableVersion identifies the shape of the default capability table.
// Bump it whenever a module is added, removed, or changes its bindings.
const TableVersion = "1"

// Func is a host function callable from evaluated code.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Binding is one callable member of a Module.
//
// Params names the positional arguments, in order, for languages that call
// host functions positionally. The n-th positional argument is stored in
// args[Params[n]].
type Binding struct {
	Name   string
	Params []string
	Fn     Func
}

// Module is a named, versioned group of bindings pre-bound into a namespace.
type Module struct {
	Name     string
	Version  string
	Bindings []Binding

	// Reset clears per-task state. Called after every evaluation. May be nil.
	Reset func() error
}

// Table is the fixed set of capability modules injected into a namespace at
// process start.
type Table struct {
	mu      sync.RWMutex
	modules []*Module
	index   map[string]Func
}

// NewTable builds a table from modules. Module and binding names must be unique.
func NewTable(modules ...*Module) (*Table, error) {
	t := &Table{index: make(map[string]Func)}
	for _, m := range modules {
		if err := t.Add(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add appends a module to the table.
func (t *Table) Add(m *Module) error {
	if m == nil || m.Name == "" {
		return errors.New("module name required")
	}
	if strings.Contains(m.Name, ".") {
		return fmt.Errorf("module name %q must not contain '.'", m.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.modules {
		if existing.Name == m.Name {
			return fmt.Errorf("duplicate module %q", m.Name)
		}
	}

	fns := make(map[string]Func, len(m.Bindings))
	for _, b := range m.Bindings {
		if b.Name == "" || b.Fn == nil {
			return fmt.Errorf("module %q: binding needs a name and a function", m.Name)
		}
		qualified := m.Name + "." + b.Name
		if _, dup := fns[qualified]; dup {
			return fmt.Errorf("duplicate binding %q", qualified)
		}
		fns[qualified] = b.Fn
	}
	for name, fn := range fns {
		t.index[name] = fn
	}
	t.modules = append(t.modules, m)
	return nil
}

// Modules returns the modules in registration order.
func (t *Table) Modules() []*Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Module, len(t.modules))
	copy(out, t.modules)
	return out
}

// Get looks up a binding by its qualified name, e.g. "plt.figure".
func (t *Table) Get(qualified string) (Func, bool) {
	t.mu.RLock()
	fn, ok := t.index[qualified]
	t.mu.RUnlock()
	return fn, ok
}

// List returns the qualified names of every binding, sorted.
func (t *Table) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.index))
	for name := range t.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset runs every module's reset hook. All hooks run even if some fail;
// the failures are joined.
func (t *Table) Reset() error {
	var errs []error
	for _, m := range t.Modules() {
		if m.Reset == nil {
			continue
		}
		if err := safeReset(m); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", m.Name, err))
		}
	}
	return errors.Join(errs...)
}

func safeReset(m *Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Reset()
}
