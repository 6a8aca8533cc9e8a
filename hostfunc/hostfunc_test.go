package hostfunc

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echo(ctx context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestTableLookup(t *testing.T) {
	table, err := NewTable(
		&Module{Name: "a", Version: "1", Bindings: []Binding{{Name: "x", Fn: echo}, {Name: "y", Fn: echo}}},
		NewKV(DefaultKVConfig()).Module(),
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	if _, ok := table.Get("a.x"); !ok {
		t.Error("expected a.x to be registered")
	}
	if _, ok := table.Get("x"); ok {
		t.Error("unqualified names must not resolve")
	}

	names := table.List()
	want := "a.x,a.y,kv.delete,kv.get,kv.keys,kv.set"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("List() = %s, want %s", got, want)
	}

	if mods := table.Modules(); len(mods) != 2 || mods[0].Name != "a" || mods[1].Name != "kv" {
		t.Errorf("unexpected module order: %v", mods)
	}
}

func TestTableRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name    string
		modules []*Module
	}{
		{"duplicate module", []*Module{{Name: "a"}, {Name: "a"}}},
		{"duplicate binding", []*Module{{Name: "a", Bindings: []Binding{{Name: "x", Fn: echo}, {Name: "x", Fn: echo}}}}},
		{"dotted name", []*Module{{Name: "a.b"}}},
		{"missing fn", []*Module{{Name: "a", Bindings: []Binding{{Name: "x"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.modules...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTableResetRunsEveryHook(t *testing.T) {
	var calls []string
	boom := errors.New("boom")

	table, err := NewTable(
		&Module{Name: "first", Reset: func() error { calls = append(calls, "first"); return boom }},
		&Module{Name: "second", Reset: func() error { calls = append(calls, "second"); panic("bad") }},
		&Module{Name: "third", Reset: func() error { calls = append(calls, "third"); return nil }},
		&Module{Name: "none"},
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	err = table.Reset()
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "reset second: panic: bad") {
		t.Errorf("expected recovered panic in error, got %v", err)
	}
	if strings.Join(calls, ",") != "first,second,third" {
		t.Errorf("unexpected hook calls: %v", calls)
	}
}
