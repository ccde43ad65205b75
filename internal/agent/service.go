package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/skills"
	"github.com/naolabs/nao-agent/internal/usage"
)

// Deps are the collaborators shared by all turn managers.
type Deps struct {
	Chats     *chatstore.Store
	Memories  *memory.Service
	Skills    *skills.Manager
	Workspace *tools.Workspace
	Ledger    *usage.Ledger
	Logger    *slog.Logger

	Resolver        *llm.Resolver
	ProviderConfigs []llm.ProviderConfig
	DefaultModel    *llm.Selection

	// EnablePython is the project's experimental Python-tool flag.
	EnablePython bool
}

// Service is the in-process turn registry: at most one live Manager per chat.
type Service struct {
	deps Deps

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewService(deps Deps) (*Service, error) {
	if deps.Chats == nil || deps.Memories == nil || deps.Resolver == nil {
		return nil, errors.New("chats, memories and resolver are required")
	}
	if deps.Skills == nil {
		deps.Skills = skills.NewManager("")
	}
	if deps.Workspace == nil {
		deps.Workspace = tools.NewWorkspace("")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, managers: make(map[string]*Manager)}, nil
}

// Create registers a new turn manager for the chat, stopping and discarding
// any live one first. Model resolution failures surface before registration.
func (s *Service) Create(_ context.Context, chat chatstore.Chat, selection *llm.Selection) (*Manager, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	if selection == nil {
		selection = s.deps.DefaultModel
	}
	sel, err := s.deps.Resolver.ResolveSelection(s.deps.ProviderConfigs, selection)
	if err != nil {
		return nil, err
	}
	handle, err := s.deps.Resolver.Resolve(s.deps.ProviderConfigs, sel)
	if err != nil {
		return nil, err
	}

	registry, err := tools.NewBuiltinRegistry(tools.Options{
		Workspace:    s.deps.Workspace,
		Logger:       s.deps.Logger,
		EnablePython: s.deps.EnablePython,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.managers[chat.ChatID]; ok {
		prev.Stop()
		delete(s.managers, chat.ChatID)
	}
	var mgr *Manager
	mgr = newManager(chat, handle, registry, s.deps, func() { s.release(chat.ChatID, mgr) })
	s.managers[chat.ChatID] = mgr
	return mgr, nil
}

// Get returns the live manager for a chat, if any.
func (s *Service) Get(chatID string) (*Manager, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mgr, ok := s.managers[chatID]
	return mgr, ok
}

// release unregisters a manager, but only if it is still the one registered
// for the chat: a replacement created in the meantime must survive the old
// manager's dispose.
func (s *Service) release(chatID string, mgr *Manager) {
	s.mu.Lock()
	if current, ok := s.managers[chatID]; ok && current == mgr {
		delete(s.managers, chatID)
	}
	s.mu.Unlock()
}
