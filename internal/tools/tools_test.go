package tools

import (
	"context"
	"errors"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo " + name,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			return name, nil
		},
	}
}

func TestRegistryCatalogOrderAndSync(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("b_tool"))
	r.Register(echoTool("a_tool"))
	r.Register(echoTool("c_tool"))

	defs := r.Catalog()
	if len(defs) != 3 {
		t.Fatalf("catalog = %d entries, want 3", len(defs))
	}

	// Registration order, and every catalogue entry resolvable.
	want := []string{"b_tool", "a_tool", "c_tool"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("catalog[%d] = %q, want %q", i, def.Name, want[i])
		}
		if r.Get(def.Name) == nil {
			t.Errorf("catalogue entry %q has no registry entry", def.Name)
		}
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("dup"))
	r.Register(&Tool{
		Name:       "dup",
		Parameters: map[string]any{},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			return "replaced", nil
		},
	})

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	out, err := r.Execute(context.Background(), "dup", Invocation{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "replaced" {
		t.Errorf("execute = %q, want replaced", out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), "nope", Invocation{})
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownToolError", err)
	}
	if unknown.ToolName != "nope" {
		t.Errorf("tool name = %q", unknown.ToolName)
	}
}

func TestExecuteNilArgsBecomesEmptyMap(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:       "check_args",
		Parameters: map[string]any{},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			if inv.Args == nil {
				t.Error("Args is nil, want empty map")
			}
			return "ok", nil
		},
	})

	if _, err := r.Execute(context.Background(), "check_args", Invocation{}); err != nil {
		t.Fatal(err)
	}
}

func TestInvocationContextValues(t *testing.T) {
	type mgr struct{ name string }

	r := NewRegistry()
	r.Register(&Tool{
		Name:       "inspect",
		Parameters: map[string]any{},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			if inv.Agent != "Gestor" {
				t.Errorf("agent = %q", inv.Agent)
			}
			if inv.Channel != "canal-7" {
				t.Errorf("channel = %v", inv.Channel)
			}
			m, ok := inv.Manager.(*mgr)
			if !ok || m.name != "demo" {
				t.Errorf("manager = %v", inv.Manager)
			}
			return "ok", nil
		},
	})

	_, err := r.Execute(context.Background(), "inspect", Invocation{
		Agent:   "Gestor",
		Channel: "canal-7",
		Manager: &mgr{name: "demo"},
	})
	if err != nil {
		t.Fatal(err)
	}
}
