package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/skills"
	"github.com/naolabs/nao-agent/internal/usage"
)

var errStreamBroken = errors.New("stream broken")

type scriptStep struct {
	events []llm.StreamEvent
	result llm.TurnResult
	err    error
}

// scriptedProvider replays canned steps; an optional block channel holds the
// call open until closed or the context is cancelled.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []llm.TurnRequest
	block chan struct{}
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, req llm.TurnRequest, onEvent func(llm.StreamEvent)) (llm.TurnResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	n := len(p.calls)
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return llm.TurnResult{}, ctx.Err()
		}
	}
	if n > len(p.steps) {
		return llm.TurnResult{FinishReason: llm.FinishReasonStop}, nil
	}
	step := p.steps[n-1]
	for _, ev := range step.events {
		onEvent(ev)
	}
	return step.result, step.err
}

func (p *scriptedProvider) GenerateObject(_ context.Context, _ llm.ObjectRequest) (json.RawMessage, llm.Usage, error) {
	return nil, llm.Usage{}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) llm.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
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
		LookupEnv: func(key string) (string, bool) {
			if key == "ANTHROPIC_API_KEY" {
				return "sk-test", true
			}
			return "", false
		},
	})
	memSvc, err := memory.NewService(memory.Options{
		Memories: memories,
		Ledger:   ledger,
		Resolver: resolver,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("memory.NewService: %v", err)
	}
	t.Cleanup(func() { _ = memSvc.Close(context.Background()) })

	// Turn tests exercise the loop, not extraction; a disabled memory scope
	// keeps the background job from reaching a provider.
	if err := memories.SetUserEnabled(context.Background(), "user-1", false); err != nil {
		t.Fatalf("SetUserEnabled: %v", err)
	}

	return Deps{
		Chats:     chats,
		Memories:  memSvc,
		Skills:    skills.NewManager(dir),
		Workspace: tools.NewWorkspace(dir),
		Ledger:    ledger,
		Logger:    slog.New(slog.DiscardHandler),
		Resolver:  resolver,
	}
}

func testChat(t *testing.T, deps Deps) chatstore.Chat {
	t.Helper()
	chat := chatstore.Chat{ChatID: "chat-1", UserID: "user-1", ProjectID: "proj-1", Title: "t"}
	if err := deps.Chats.CreateChat(context.Background(), chat); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return chat
}

func newTestManager(t *testing.T, deps Deps, provider llm.Provider) *Manager {
	t.Helper()
	registry, err := tools.NewBuiltinRegistry(tools.Options{
		Workspace: deps.Workspace,
		Logger:    deps.Logger,
	})
	if err != nil {
		t.Fatalf("NewBuiltinRegistry: %v", err)
	}
	handle := &llm.Handle{
		Selection: llm.Selection{Provider: "anthropic", ModelID: "claude-sonnet-4-6"},
		Model:     llm.ModelInfo{ID: "claude-sonnet-4-6", ThinkingBudgetTokens: 2048},
		Adapter:   provider,
	}
	return newManager(testChat(t, deps), handle, registry, deps, func() {})
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(10 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatalf("stream did not finish, got %+v", out)
		}
	}
}

func chunksOfType(chunks []Chunk, kind ChunkType) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == kind {
			out = append(out, c)
		}
	}
	return out
}

func TestStreamSimpleTurn(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	provider := &scriptedProvider{steps: []scriptStep{{
		events: []llm.StreamEvent{
			{Type: llm.StreamEventTextDelta, Text: "Revenue is "},
			{Type: llm.StreamEventTextDelta, Text: "up 12%."},
		},
		result: llm.TurnResult{
			FinishReason: llm.FinishReasonStop,
			Text:         "Revenue is up 12%.",
			Usage:        llm.Usage{InputTokens: 120, OutputTokens: 30},
		},
	}}}
	m := newTestManager(t, deps, provider)

	chunks := collect(t, m.Stream([]chatstore.Message{
		{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: "How is revenue?"}}},
	}, StreamOptions{Events: []Event{{Name: "newChat", Data: json.RawMessage(`{"id":"chat-1"}`)}}}))

	if chunks[0].Type != ChunkEvent || chunks[0].EventName != "newChat" {
		t.Fatalf("events must precede model output: %+v", chunks[0])
	}
	if chunks[1].Type != ChunkMessageStart || chunks[1].MessageID == "" {
		t.Fatalf("missing message start: %+v", chunks[1])
	}
	deltas := chunksOfType(chunks, ChunkTextDelta)
	if len(deltas) != 2 || deltas[0].Text != "Revenue is " {
		t.Fatalf("unexpected deltas: %+v", deltas)
	}
	last := chunks[len(chunks)-1]
	if last.Type != ChunkFinish || last.StopReason != llm.FinishReasonStop {
		t.Fatalf("unexpected finish: %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens() != 150 {
		t.Fatalf("unexpected usage: %+v", last.Usage)
	}

	// System prompt is first; user message follows.
	req := provider.call(0)
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Text(), "expert AI data analyst") {
		t.Fatalf("missing system prompt")
	}
	if req.MaxOutputTokens != turnMaxOutputTokens {
		t.Fatalf("unexpected max output tokens: %d", req.MaxOutputTokens)
	}
	if req.ThinkingBudgetTokens != 2048 {
		t.Fatalf("model thinking budget not forwarded: %d", req.ThinkingBudgetTokens)
	}

	msgs, err := deps.Chats.LoadMessages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].StopReason != llm.FinishReasonStop {
		t.Fatalf("unexpected persisted message: %+v", msgs)
	}
	if msgs[0].Text() != "Revenue is up 12%." || msgs[0].Provider != "anthropic" {
		t.Fatalf("unexpected persisted content: %+v", msgs[0])
	}

	records, err := deps.Ledger.ListForUser(context.Background(), "user-1", 10)
	if err != nil || len(records) != 1 || records[0].RecordType != usage.RecordTypeChatTurn {
		t.Fatalf("expected one chat_turn record: %v %+v", err, records)
	}
}

func TestStreamToolLoop(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	provider := &scriptedProvider{steps: []scriptStep{
		{result: llm.TurnResult{
			FinishReason: llm.FinishReasonToolCalls,
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "list", Args: map[string]any{"path": "/"}},
			},
			Usage: llm.Usage{InputTokens: 50, OutputTokens: 10},
		}},
		{result: llm.TurnResult{
			FinishReason: llm.FinishReasonToolCalls,
			Text:         "All done.",
			ToolCalls: []llm.ToolCall{
				{ID: "call-2", Name: "suggest_follow_ups", Args: map[string]any{"suggestions": []any{"Next?"}}},
			},
			Usage: llm.Usage{InputTokens: 70, OutputTokens: 15},
		}},
	}}
	m := newTestManager(t, deps, provider)

	chunks := collect(t, m.Stream([]chatstore.Message{
		{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: "List the project files"}}},
	}, StreamOptions{}))

	if provider.callCount() != 2 {
		t.Fatalf("terminal tool must end the loop after 2 calls, got %d", provider.callCount())
	}
	toolCalls := chunksOfType(chunks, ChunkToolCall)
	toolResults := chunksOfType(chunks, ChunkToolResult)
	if len(toolCalls) != 2 || len(toolResults) != 2 {
		t.Fatalf("expected 2 tool calls + results: %+v %+v", toolCalls, toolResults)
	}
	if toolCalls[0].ToolName != "list" || toolCalls[1].ToolName != "suggest_follow_ups" {
		t.Fatalf("unexpected tool order: %+v", toolCalls)
	}

	// The second request carries the first call's result back to the model.
	second := provider.call(1)
	found := false
	for _, msg := range second.Messages {
		for _, p := range msg.Content {
			if p.Type == "tool_result" && p.ToolCallID == "call-1" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("tool result missing from follow-up request")
	}

	last := chunks[len(chunks)-1]
	if last.Type != ChunkFinish || last.StopReason != llm.FinishReasonToolCalls {
		t.Fatalf("unexpected finish: %+v", last)
	}
	if last.Usage.TotalTokens() != 145 {
		t.Fatalf("usage must accumulate across steps: %+v", last.Usage)
	}

	msgs, err := deps.Chats.LoadMessages(context.Background(), "chat-1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("LoadMessages: %v %+v", err, msgs)
	}
	kinds := map[string]int{}
	for _, p := range msgs[0].Parts {
		kinds[p.Type]++
	}
	if kinds["tool_call"] != 2 || kinds["tool_result"] != 2 || kinds["text"] != 1 {
		t.Fatalf("unexpected persisted parts: %+v", kinds)
	}
}

func TestStopPersistsInterrupted(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	provider := &scriptedProvider{block: make(chan struct{})}
	m := newTestManager(t, deps, provider)

	ch := m.Stream([]chatstore.Message{
		{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: "long running question"}}},
	}, StreamOptions{})

	// Wait for the provider call to be in flight, then stop twice.
	for i := 0; i < 100 && provider.callCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Type != ChunkFinish || last.StopReason != StopReasonInterrupted {
		t.Fatalf("unexpected finish: %+v", last)
	}

	msgs, err := deps.Chats.LoadMessages(context.Background(), "chat-1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("LoadMessages: %v %+v", err, msgs)
	}
	if msgs[0].StopReason != StopReasonInterrupted {
		t.Fatalf("expected interrupted stop reason: %+v", msgs[0])
	}
}

func TestStreamErrorAttachedToMessage(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	provider := &scriptedProvider{steps: []scriptStep{{
		events: []llm.StreamEvent{{Type: llm.StreamEventTextDelta, Text: "partial"}},
		result: llm.TurnResult{FinishReason: llm.FinishReasonError, Text: "partial"},
		err:    errStreamBroken,
	}}}
	m := newTestManager(t, deps, provider)

	chunks := collect(t, m.Stream([]chatstore.Message{
		{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: "hello there"}}},
	}, StreamOptions{}))

	errChunks := chunksOfType(chunks, ChunkError)
	if len(errChunks) != 1 || !strings.Contains(errChunks[0].Error, "stream broken") {
		t.Fatalf("expected error chunk: %+v", errChunks)
	}
	last := chunks[len(chunks)-1]
	if last.Type != ChunkFinish || last.StopReason != llm.FinishReasonError {
		t.Fatalf("unexpected finish: %+v", last)
	}

	msgs, err := deps.Chats.LoadMessages(context.Background(), "chat-1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("LoadMessages: %v %+v", err, msgs)
	}
	if msgs[0].ErrorMessage == "" || msgs[0].StopReason != llm.FinishReasonError {
		t.Fatalf("error not persisted: %+v", msgs[0])
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	provider := &scriptedProvider{steps: []scriptStep{{
		result: llm.TurnResult{
			FinishReason: llm.FinishReasonStop,
			Text:         "42",
			Usage:        llm.Usage{InputTokens: 10, OutputTokens: 2},
		},
	}}}
	m := newTestManager(t, deps, provider)

	res, err := m.Generate(context.Background(), []chatstore.Message{
		{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: "what is the answer"}}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "42" || res.FinishReason != llm.FinishReasonStop {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.TotalTokens() != 12 || res.Cost.TotalUSD <= 0 {
		t.Fatalf("usage/cost missing: %+v", res)
	}
}
