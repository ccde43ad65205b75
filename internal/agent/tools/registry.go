package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/naolabs/nao-agent/internal/llm"
)

// Handler executes one tool call.
type Handler interface {
	Def() llm.ToolDef
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry is a mutex-guarded tool set assembled once per turn manager.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Handler

	// terminal names the tool whose invocation ends the turn loop.
	terminal string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	if h == nil {
		return errors.New("nil tool handler")
	}
	name := strings.TrimSpace(h.Def().Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = h
	return nil
}

func (r *Registry) Get(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tools[strings.TrimSpace(name)]
	return h, ok
}

// Snapshot returns the tool definitions sorted by name.
func (r *Registry) Snapshot() []llm.ToolDef {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.tools))
	for _, h := range r.tools {
		out = append(out, h.Def())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetTerminal marks the tool whose call finishes the turn.
func (r *Registry) SetTerminal(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.terminal = strings.TrimSpace(name)
	r.mu.Unlock()
}

func (r *Registry) IsTerminal(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminal != "" && strings.TrimSpace(name) == r.terminal
}
