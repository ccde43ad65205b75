package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/naolabs/nao-agent/internal/agent"
	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/skills"
	"github.com/naolabs/nao-agent/internal/usage"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	chats    *chatstore.Store
	memories *memstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	chats, err := chatstore.Open(filepath.Join(dir, "chats.db"))
	if err != nil {
		t.Fatalf("chatstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = chats.Close() })
	memories, err := memstore.Open(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("memstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = memories.Close() })
	ledger, err := usage.Open(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("usage.Open: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	resolver := llm.NewResolver(llm.ResolverOptions{
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	memSvc, err := memory.NewService(memory.Options{
		Memories: memories,
		Resolver: resolver,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("memory.NewService: %v", err)
	}
	t.Cleanup(func() { _ = memSvc.Close(context.Background()) })

	agents, err := agent.NewService(agent.Deps{
		Chats:     chats,
		Memories:  memSvc,
		Skills:    skills.NewManager(dir),
		Workspace: tools.NewWorkspace(dir),
		Ledger:    ledger,
		Logger:    logger,
		Resolver:  resolver,
	})
	if err != nil {
		t.Fatalf("agent.NewService: %v", err)
	}

	server, err := New(Options{
		Agents:   agents,
		Chats:    chats,
		Memories: memories,
		Ledger:   ledger,
		Logger:   logger,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{server: server, handler: server.Handler(), chats: chats, memories: memories}
}

func (e *testEnv) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["status"] != "ok" || got["version"] != "test" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestModels(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	got := decode[struct {
		Models []modelResp `json:"models"`
	}](t, rec)
	if len(got.Models) == 0 {
		t.Fatal("catalog must not be empty")
	}
	defaults := map[string]bool{}
	for _, m := range got.Models {
		if m.Provider == "" || m.ModelID == "" {
			t.Fatalf("incomplete model entry: %+v", m)
		}
		if m.Default {
			defaults[m.Provider] = true
		}
	}
	if !defaults["anthropic"] {
		t.Fatal("anthropic must expose a default model")
	}
}

func TestChatLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/chats", map[string]string{
		"user_id": "user-1", "project_id": "proj-1", "title": "Revenue deep dive",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[chatstore.Chat](t, rec)
	if created.ChatID == "" || created.Title != "Revenue deep dive" {
		t.Fatalf("unexpected chat: %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/chats?user_id=user-1&q=revenue", nil)
	listed := decode[struct {
		Chats []chatstore.Chat `json:"chats"`
	}](t, rec)
	if len(listed.Chats) != 1 || listed.Chats[0].ChatID != created.ChatID {
		t.Fatalf("search failed: %+v", listed.Chats)
	}

	rec = env.do(t, http.MethodPatch, "/api/chats/"+created.ChatID, map[string]string{
		"user_id": "user-1", "title": "Q3 revenue",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status %d", rec.Code)
	}

	// Another user's chats are invisible.
	rec = env.do(t, http.MethodGet, "/api/chats?user_id=user-2", nil)
	other := decode[struct {
		Chats []chatstore.Chat `json:"chats"`
	}](t, rec)
	if len(other.Chats) != 0 {
		t.Fatalf("cross-user leak: %+v", other.Chats)
	}
	if rec := env.do(t, http.MethodDelete, "/api/chats/"+created.ChatID+"?user_id=user-2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/chats/"+created.ChatID+"?user_id=user-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/chats?user_id=user-1", nil)
	listed = decode[struct {
		Chats []chatstore.Chat `json:"chats"`
	}](t, rec)
	if len(listed.Chats) != 0 {
		t.Fatalf("chat survived delete: %+v", listed.Chats)
	}
}

func TestLoadMessagesOwnership(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	chat := chatstore.Chat{ChatID: "chat-1", UserID: "user-1", ProjectID: "p", Title: "t"}
	if err := env.chats.CreateChat(context.Background(), chat); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	if rec := env.do(t, http.MethodGet, "/api/chats/chat-1/messages?user_id=user-2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign user status %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/chats/chat-1/messages?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status %d", rec.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/chats/missing/messages", map[string]string{
		"user_id": "user-1", "text": "hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown chat status %d", rec.Code)
	}

	chat := chatstore.Chat{ChatID: "chat-1", UserID: "user-1", ProjectID: "p", Title: "t"}
	if err := env.chats.CreateChat(context.Background(), chat); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/chats/chat-1/messages", map[string]string{
		"user_id": "user-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text status %d", rec.Code)
	}

	// No provider credentials configured: model resolution must fail before
	// any streaming starts, and the user message is still recorded.
	rec = env.do(t, http.MethodPost, "/api/chats/chat-1/messages", map[string]string{
		"user_id": "user-1", "text": "How is revenue?",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("unresolvable model status %d: %s", rec.Code, rec.Body.String())
	}
	msgs, err := env.chats.LoadMessages(context.Background(), "chat-1")
	if err != nil || len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("user message not recorded: %v %+v", err, msgs)
	}
}

func TestStopWithoutRunningTurn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/chats/chat-1/stop", map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	stored, err := env.memories.UpsertAndSupersede(ctx, "user-1", "chat-1", []memstore.NewMemory{
		{Category: memstore.CategoryGlobalRule, Content: "Respond in English."},
	})
	if err != nil || len(stored) != 1 {
		t.Fatalf("seed memory: %v %+v", err, stored)
	}
	id := stored[0].MemoryID

	rec := env.do(t, http.MethodGet, "/api/memories?user_id=user-1", nil)
	listed := decode[struct {
		Memories []memstore.Memory `json:"memories"`
	}](t, rec)
	if len(listed.Memories) != 1 || listed.Memories[0].MemoryID != id {
		t.Fatalf("list failed: %+v", listed.Memories)
	}

	// Edits are normalized before storage.
	rec = env.do(t, http.MethodPatch, "/api/memories/"+id, map[string]string{
		"user_id": "user-1", "content": "  respond   in French  ",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status %d: %s", rec.Code, rec.Body.String())
	}
	edited := decode[map[string]any](t, rec)
	if edited["content"] != "respond in French." {
		t.Fatalf("content not normalized: %v", edited)
	}

	if rec := env.do(t, http.MethodDelete, "/api/memories/"+id+"?user_id=user-2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/memories/"+id+"?user_id=user-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
}

func TestMemorySettings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	enabled := false
	rec := env.do(t, http.MethodPost, "/api/memories/settings", memorySettingsReq{
		UserID: "user-1", Enabled: &enabled,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status %d: %s", rec.Code, rec.Body.String())
	}
	on, err := env.memories.IsMemoryEnabled(ctx, "user-1", "proj-1")
	if err != nil || on {
		t.Fatalf("user toggle not applied: %v %v", on, err)
	}

	rec = env.do(t, http.MethodPost, "/api/memories/settings", memorySettingsReq{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled status %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/usage", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id status %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/usage?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[struct {
		Totals usage.Totals `json:"totals"`
	}](t, rec)
	if got.Totals.Records != 0 {
		t.Fatalf("unexpected totals: %+v", got.Totals)
	}
}

func TestTurnEvents(t *testing.T) {
	t.Parallel()
	chat := &chatstore.Chat{ChatID: "chat-1", Title: "Quarterly revenue"}

	events := turnEvents(chat, "msg-1", false)
	if len(events) != 1 || events[0].Name != "user-message" {
		t.Fatalf("unexpected events: %+v", events)
	}
	var mapping map[string]string
	if err := json.Unmarshal(events[0].Data, &mapping); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mapping["chat_id"] != "chat-1" || mapping["message_id"] != "msg-1" {
		t.Fatalf("user message id mapping missing: %+v", mapping)
	}

	events = turnEvents(chat, "msg-2", true)
	if len(events) != 2 || events[1].Name != "chat-title" {
		t.Fatalf("expected chat-title event after deriving a title: %+v", events)
	}
	var titled map[string]string
	if err := json.Unmarshal(events[1].Data, &titled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if titled["title"] != "Quarterly revenue" {
		t.Fatalf("unexpected title payload: %+v", titled)
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"How is revenue?", "How is revenue?"},
		{"  spaced\n\nout   text ", "spaced out text"},
		{strings.Repeat("word ", 40), strings.TrimSpace(strings.Repeat("word ", 16)) + "…"},
	}
	for _, tc := range cases {
		if got := deriveTitle(tc.in); got != tc.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
