package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memstore"
)

type fakeObjectProvider struct {
	raw   json.RawMessage
	usage llm.Usage
	err   error

	lastReq llm.ObjectRequest
	calls   int
}

func (f *fakeObjectProvider) StreamTurn(_ context.Context, _ llm.TurnRequest, _ func(llm.StreamEvent)) (llm.TurnResult, error) {
	return llm.TurnResult{}, nil
}

func (f *fakeObjectProvider) GenerateObject(_ context.Context, req llm.ObjectRequest) (json.RawMessage, llm.Usage, error) {
	f.lastReq = req
	f.calls++
	return f.raw, f.usage, f.err
}

func userMsg(text string) chatstore.Message {
	return chatstore.Message{Role: "user", Parts: []chatstore.Part{{Type: "text", Text: text}}}
}

func assistantMsg(text string) chatstore.Message {
	return chatstore.Message{Role: "assistant", Parts: []chatstore.Part{{Type: "text", Text: text}}}
}

func TestExtractNoiseFilter(t *testing.T) {
	t.Parallel()
	provider := &fakeObjectProvider{}
	e := NewExtractor(provider, "claude-haiku-4-5")

	out, _, err := e.Extract(context.Background(), nil, nil)
	if err != nil || out != nil {
		t.Fatalf("empty conversation: out=%v err=%v", out, err)
	}
	out, _, err = e.Extract(context.Background(), nil, []chatstore.Message{userMsg("hi")})
	if err != nil || out != nil {
		t.Fatalf("short user text: out=%v err=%v", out, err)
	}
	if provider.calls != 0 {
		t.Fatalf("model must not be called for trivial turns, got %d calls", provider.calls)
	}
}

func TestExtractBuildsBoundedPrompt(t *testing.T) {
	t.Parallel()
	provider := &fakeObjectProvider{
		raw:   json.RawMessage(`{"user_instructions": null, "user_profile": null}`),
		usage: llm.Usage{InputTokens: 10, OutputTokens: 2},
	}
	e := NewExtractor(provider, "claude-haiku-4-5")

	conversation := make([]chatstore.Message, 0, 25)
	for i := 0; i < 24; i++ {
		conversation = append(conversation, assistantMsg(strings.Repeat("x", 3000)))
	}
	conversation = append(conversation, userMsg(strings.Repeat("u", 3000)))
	existing := []memstore.Memory{
		{MemoryID: "mem_1", Category: memstore.CategoryGlobalRule, Content: "Always respond in French."},
		{MemoryID: "mem_2", Category: memstore.CategoryPersonalFact, Content: "The user's name is Alex."},
	}

	out, gotUsage, err := e.Extract(context.Background(), existing, conversation)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !out.empty() {
		t.Fatalf("null output must parse as empty: %+v", out)
	}
	if gotUsage.TotalTokens() != 12 {
		t.Fatalf("usage lost: %+v", gotUsage)
	}

	req := provider.lastReq
	if req.System == "" || !strings.Contains(req.System, "memory extractor assistant") {
		t.Fatalf("missing extraction system prompt")
	}
	// 17 windowed conversation messages plus the memory listing.
	if len(req.Messages) != conversationMessageLimit+1 {
		t.Fatalf("expected %d messages, got %d", conversationMessageLimit+1, len(req.Messages))
	}
	for _, m := range req.Messages[:conversationMessageLimit-1] {
		if n := len(m.Text()); n > messageCharLimit {
			t.Fatalf("conversation message exceeds budget: %d", n)
		}
	}
	lastUser := req.Messages[conversationMessageLimit-1]
	if lastUser.Role != "user" || len(lastUser.Text()) > lastUserMessageCharLimit || len(lastUser.Text()) <= messageCharLimit {
		t.Fatalf("last user message budget wrong: role=%s len=%d", lastUser.Role, len(lastUser.Text()))
	}

	memoryMsg := req.Messages[len(req.Messages)-1].Text()
	for _, want := range []string{"<memories>", "<user_instructions>", "[id: mem_1] Always respond in French.", "<user_profile>", "[id: mem_2]"} {
		if !strings.Contains(memoryMsg, want) {
			t.Fatalf("memory message missing %q:\n%s", want, memoryMsg)
		}
	}
}

func TestExtractEmptyMemoriesRenderPlaceholders(t *testing.T) {
	t.Parallel()
	msg := renderMemoryMessage(nil)
	if strings.Count(msg, "Empty") != 2 {
		t.Fatalf("expected Empty placeholders for both groups:\n%s", msg)
	}
}

func TestParseExtractorOutput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "both null", raw: `{"user_instructions": null, "user_profile": null}`, ok: true},
		{name: "items", raw: `{"user_instructions": [{"content": "Respond in French.", "supersedes_id": null}], "user_profile": []}`, ok: true},
		{name: "supersedes set", raw: `{"user_instructions": [{"content": "x", "supersedes_id": "mem_1"}], "user_profile": null}`, ok: true},
		{name: "missing field", raw: `{"user_instructions": null}`, ok: false},
		{name: "wrong type", raw: `{"user_instructions": "nope", "user_profile": null}`, ok: false},
		{name: "item missing content", raw: `{"user_instructions": [{"supersedes_id": "x"}], "user_profile": null}`, ok: false},
		{name: "not json", raw: `certainly! here you go`, ok: false},
		{name: "empty", raw: ``, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out, ok := parseExtractorOutput(json.RawMessage(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v (out=%+v)", ok, tc.ok, out)
			}
		})
	}
}

func TestParseFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	provider := &fakeObjectProvider{
		raw:   json.RawMessage(`{"unexpected": true}`),
		usage: llm.Usage{InputTokens: 5, OutputTokens: 1},
	}
	e := NewExtractor(provider, "claude-haiku-4-5")
	out, gotUsage, err := e.Extract(context.Background(), nil, []chatstore.Message{userMsg("My name is Alex.")})
	if err != nil {
		t.Fatalf("parse failure must not error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no-op output, got %+v", out)
	}
	if gotUsage.TotalTokens() != 6 {
		t.Fatalf("usage must survive parse failure: %+v", gotUsage)
	}
}

func TestTruncateMiddle(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{in: "abcdefghij", max: 7, want: "ab...ij"},
		{in: "hello", max: 10, want: "hello"},
		{in: "hello", max: 5, want: "hello"},
		{in: "abcdefgh", max: 4, want: "a..."},
		{in: "", max: 5, want: ""},
	}
	for _, tc := range cases {
		if got := truncateMiddle(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncateMiddle(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
