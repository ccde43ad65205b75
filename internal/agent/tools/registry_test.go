package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/naolabs/nao-agent/internal/llm"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Def() llm.ToolDef {
	return llm.ToolDef{Name: f.name, InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (f *fakeTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegistryRegisterAndSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := r.Register(&fakeTool{name: "alpha"}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := r.Register(&fakeTool{name: "  "}); err == nil {
		t.Fatal("blank name must fail")
	}

	defs := r.Snapshot()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("unexpected snapshot: %+v", defs)
	}

	if _, ok := r.Get("alpha"); !ok {
		t.Fatal("Get(alpha) should succeed")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get(missing) should fail")
	}
}

func TestRegistryTerminal(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if r.IsTerminal("suggest_follow_ups") {
		t.Fatal("no terminal configured yet")
	}
	r.SetTerminal("suggest_follow_ups")
	if !r.IsTerminal("suggest_follow_ups") {
		t.Fatal("terminal tool not recognized")
	}
	if r.IsTerminal("execute_sql") {
		t.Fatal("non-terminal tool flagged")
	}
}

func TestBuiltinRegistryComposition(t *testing.T) {
	t.Parallel()
	r, err := NewBuiltinRegistry(Options{Workspace: NewWorkspace(t.TempDir())})
	if err != nil {
		t.Fatalf("NewBuiltinRegistry: %v", err)
	}
	want := []string{"display_chart", "execute_sql", "grep", "list", "read", "search", "story", "suggest_follow_ups"}
	defs := r.Snapshot()
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %+v", len(want), defs)
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Fatalf("tool %d: want %s, got %s", i, name, defs[i].Name)
		}
	}
	if !r.IsTerminal("suggest_follow_ups") {
		t.Fatal("suggest_follow_ups must be the terminal tool")
	}
}
