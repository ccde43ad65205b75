package chatstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateChat(t *testing.T, s *Store, userID string, title string) string {
	t.Helper()
	id, err := NewChatID()
	if err != nil {
		t.Fatalf("NewChatID: %v", err)
	}
	if err := s.CreateChat(context.Background(), Chat{ChatID: id, UserID: userID, Title: title}); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return id
}

func TestCreateAndGetChat(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	chatID := mustCreateChat(t, s, "user-1", "Revenue questions")

	got, err := s.GetChat(ctx, "user-1", chatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if got == nil || got.Title != "Revenue questions" {
		t.Fatalf("unexpected chat: %+v", got)
	}

	// Other users must not see the chat.
	other, err := s.GetChat(ctx, "user-2", chatID)
	if err != nil {
		t.Fatalf("GetChat other user: %v", err)
	}
	if other != nil {
		t.Fatalf("expected nil for foreign user, got %+v", other)
	}
}

func TestSearchChats(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mustCreateChat(t, s, "user-1", "Quarterly revenue")
	mustCreateChat(t, s, "user-1", "Churn analysis")
	mustCreateChat(t, s, "user-2", "Revenue for someone else")

	all, err := s.SearchChats(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("SearchChats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(all))
	}

	hits, err := s.SearchChats(ctx, "user-1", "revenue", 10)
	if err != nil {
		t.Fatalf("SearchChats query: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Quarterly revenue" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSearchChatsMatchesMessageContent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	chatID := mustCreateChat(t, s, "user-1", "Untitled exploration")
	mustCreateChat(t, s, "user-1", "Churn analysis")
	if err := s.UpsertMessage(ctx, Message{
		MessageID: "msg-1", ChatID: chatID, Role: "user",
		Parts: []Part{{Type: "text", Text: "break down gross margin by region"}},
	}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	hits, err := s.SearchChats(ctx, "user-1", "gross margin", 10)
	if err != nil {
		t.Fatalf("SearchChats: %v", err)
	}
	if len(hits) != 1 || hits[0].ChatID != chatID {
		t.Fatalf("content match missed: %+v", hits)
	}

	none, err := s.SearchChats(ctx, "user-1", "funnel conversion", 10)
	if err != nil {
		t.Fatalf("SearchChats: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unexpected hits: %+v", none)
	}

	// Other users never see content matches from foreign chats.
	foreign, err := s.SearchChats(ctx, "user-2", "gross margin", 10)
	if err != nil {
		t.Fatalf("SearchChats: %v", err)
	}
	if len(foreign) != 0 {
		t.Fatalf("content leaked across users: %+v", foreign)
	}
}

func TestRenameAndDeleteChat(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	chatID := mustCreateChat(t, s, "user-1", "Old title")
	if err := s.RenameChat(ctx, "user-1", chatID, "New title"); err != nil {
		t.Fatalf("RenameChat: %v", err)
	}
	got, err := s.GetChat(ctx, "user-1", chatID)
	if err != nil || got == nil {
		t.Fatalf("GetChat: %v %+v", err, got)
	}
	if got.Title != "New title" {
		t.Fatalf("title not updated: %q", got.Title)
	}

	if err := s.UpsertMessage(ctx, Message{
		MessageID: "msg-1", ChatID: chatID, Role: "user",
		Parts: []Part{{Type: "text", Text: "hello"}},
	}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	if err := s.DeleteChat(ctx, "user-1", chatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if got, err := s.GetChat(ctx, "user-1", chatID); err != nil || got != nil {
		t.Fatalf("chat should be gone: %v %+v", err, got)
	}
	msgs, err := s.LoadMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages should be gone, got %d", len(msgs))
	}

	if err := s.RenameChat(ctx, "user-1", chatID, "x"); err == nil {
		t.Fatal("expected error renaming deleted chat")
	}
}

func TestUpsertMessageReplacesParts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	chatID := mustCreateChat(t, s, "user-1", "t")

	msg := Message{
		MessageID: "msg-1",
		ChatID:    chatID,
		Role:      "assistant",
		Parts: []Part{
			{Type: "text", Text: "partial"},
		},
	}
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	msg.Parts = []Part{
		{Type: "text", Text: "final answer"},
		{Type: "tool_call", ToolCallID: "call-1", ToolName: "execute_sql", ArgsJSON: json.RawMessage(`{"query":"select 1"}`)},
	}
	msg.Usage = TokenUsage{InputTokens: 100, OutputTokens: 20}
	msg.StopReason = "tool-calls"
	msg.ErrorMessage = "stream closed early"
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("UpsertMessage again: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if len(got.Parts) != 2 {
		t.Fatalf("expected replaced parts, got %+v", got.Parts)
	}
	if got.Parts[1].ToolName != "execute_sql" {
		t.Fatalf("unexpected part: %+v", got.Parts[1])
	}
	if got.StopReason != "tool-calls" || got.ErrorMessage != "stream closed early" {
		t.Fatalf("stop reason / error lost: %+v", got)
	}
	if got.Usage.InputTokens != 100 || got.Usage.OutputTokens != 20 {
		t.Fatalf("usage not updated: %+v", got.Usage)
	}
}

func TestSupersedeMessagesFrom(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	chatID := mustCreateChat(t, s, "user-1", "t")

	base := time.Now().UnixMilli()
	for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.UpsertMessage(ctx, Message{
			MessageID:       id,
			ChatID:          chatID,
			Role:            role,
			CreatedAtUnixMs: base + int64(i)*1000,
			Parts:           []Part{{Type: "text", Text: id}},
		}); err != nil {
			t.Fatalf("UpsertMessage %s: %v", id, err)
		}
	}

	if err := s.SupersedeMessagesFrom(ctx, chatID, "msg-2"); err != nil {
		t.Fatalf("SupersedeMessagesFrom: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "msg-1" {
		t.Fatalf("expected only msg-1 to remain, got %+v", msgs)
	}

	// Superseding twice must not touch already-superseded rows.
	if err := s.SupersedeMessagesFrom(ctx, chatID, "msg-1"); err != nil {
		t.Fatalf("SupersedeMessagesFrom again: %v", err)
	}
	msgs, err = s.LoadMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty chat, got %+v", msgs)
	}

	if err := s.SupersedeMessagesFrom(ctx, chatID, "missing"); err == nil {
		t.Fatal("expected error for unknown message")
	}
}

func TestLastAssistantUsage(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	chatID := mustCreateChat(t, s, "user-1", "t")

	u, err := s.LastAssistantUsage(ctx, chatID)
	if err != nil {
		t.Fatalf("LastAssistantUsage: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil usage for empty chat, got %+v", u)
	}

	base := time.Now().UnixMilli()
	if err := s.UpsertMessage(ctx, Message{
		MessageID: "msg-1", ChatID: chatID, Role: "assistant",
		CreatedAtUnixMs: base,
		Usage:           TokenUsage{InputTokens: 50, OutputTokens: 10},
		Parts:           []Part{{Type: "text", Text: "a"}},
	}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	// A later assistant message with no accounting must not shadow the usable one.
	if err := s.UpsertMessage(ctx, Message{
		MessageID: "msg-2", ChatID: chatID, Role: "assistant",
		CreatedAtUnixMs: base + 1000,
		Parts:           []Part{{Type: "text", Text: "b"}},
	}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	u, err = s.LastAssistantUsage(ctx, chatID)
	if err != nil {
		t.Fatalf("LastAssistantUsage: %v", err)
	}
	if u == nil || u.InputTokens != 50 || u.OutputTokens != 10 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}
