// Package httpapi exposes the agent over a local HTTP surface. Turn output
// streams as NDJSON; everything else is plain JSON request/response.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/naolabs/nao-agent/internal/agent"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/usage"
)

const defaultTitleLimit = 80

type Options struct {
	Addr string

	Agents   *agent.Service
	Chats    *chatstore.Store
	Memories *memstore.Store
	Ledger   *usage.Ledger

	Logger *slog.Logger

	Version string
}

type Server struct {
	log      *slog.Logger
	addr     string
	version  string
	agents   *agent.Service
	chats    *chatstore.Store
	memories *memstore.Store
	ledger   *usage.Ledger

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Agents == nil {
		return nil, errors.New("missing Agents")
	}
	if opts.Chats == nil {
		return nil, errors.New("missing Chats")
	}
	if opts.Memories == nil {
		return nil, errors.New("missing Memories")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Server{
		log:      logger,
		addr:     addr,
		version:  strings.TrimSpace(opts.Version),
		agents:   opts.Agents,
		chats:    opts.Chats,
		memories: opts.Memories,
		ledger:   opts.Ledger,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/models", s.handleModels)

	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("PATCH /api/chats/{chat_id}", s.handleRenameChat)
	mux.HandleFunc("DELETE /api/chats/{chat_id}", s.handleDeleteChat)
	mux.HandleFunc("GET /api/chats/{chat_id}/messages", s.handleLoadMessages)
	mux.HandleFunc("POST /api/chats/{chat_id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/chats/{chat_id}/stop", s.handleStopChat)
	mux.HandleFunc("GET /api/chats/{chat_id}/usage", s.handleChatUsage)

	mux.HandleFunc("GET /api/memories", s.handleListMemories)
	mux.HandleFunc("PATCH /api/memories/{memory_id}", s.handleEditMemory)
	mux.HandleFunc("DELETE /api/memories/{memory_id}", s.handleDeleteMemory)
	mux.HandleFunc("POST /api/memories/settings", s.handleMemorySettings)

	mux.HandleFunc("GET /api/usage", s.handleUsage)
	return mux
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func userIDOf(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type modelResp struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"model_id"`
	Name          string `json:"name"`
	Default       bool   `json:"default"`
	ContextWindow int    `json:"context_window"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	var out []modelResp
	for _, providerID := range llm.ProviderIDs() {
		info, ok := llm.LookupProvider(providerID)
		if !ok {
			continue
		}
		for _, m := range info.Models {
			out = append(out, modelResp{
				Provider:      providerID,
				ModelID:       m.ID,
				Name:          m.Name,
				Default:       m.Default,
				ContextWindow: m.ContextWindow,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

type createChatReq struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title,omitempty"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatReq
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	chatID, err := chatstore.NewChatID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chat := chatstore.Chat{
		ChatID:    chatID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Title:     req.Title,
	}
	if err := s.chats.CreateChat(r.Context(), chat); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := s.chats.GetChat(r.Context(), strings.TrimSpace(req.UserID), chatID)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "chat creation readback failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	chats, err := s.chats.SearchChats(r.Context(), userID, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

type renameChatReq struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req renameChatReq
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.chats.RenameChat(r.Context(), req.UserID, r.PathValue("chat_id"), req.Title)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	chatID := r.PathValue("chat_id")
	if mgr, ok := s.agents.Get(chatID); ok && mgr.IsUserOwner(userID) {
		mgr.Stop()
	}
	if err := s.chats.DeleteChat(r.Context(), userID, chatID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLoadMessages(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	chat, ok := s.ownedChat(w, r, userID)
	if !ok {
		return
	}
	msgs, err := s.chats.LoadMessages(r.Context(), chat.ChatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleChatUsage(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	chat, ok := s.ownedChat(w, r, userID)
	if !ok {
		return
	}
	u, err := s.chats.LastAssistantUsage(r.Context(), chat.ChatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": u})
}

type sendMessageReq struct {
	UserID   string          `json:"user_id"`
	Text     string          `json:"text"`
	Mentions []agent.Mention `json:"mentions,omitempty"`
	Model    *llm.Selection  `json:"model,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if !decodeBody(w, r, &req) {
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}
	chat, err := s.chats.GetChat(r.Context(), userID, r.PathValue("chat_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chat == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	messageID, err := chatstore.NewMessageID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	userMsg := chatstore.Message{
		MessageID: messageID,
		ChatID:    chat.ChatID,
		Role:      "user",
		Parts:     []chatstore.Part{{Type: "text", Text: req.Text}},
	}
	if err := s.chats.UpsertMessage(r.Context(), userMsg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	titleDerived := false
	if chat.Title == "" {
		title := deriveTitle(req.Text)
		if err := s.chats.RenameChat(r.Context(), userID, chat.ChatID, title); err == nil {
			chat.Title = title
			titleDerived = true
		}
	}

	conversation, err := s.chats.LoadMessages(r.Context(), chat.ChatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	mgr, err := s.agents.Create(r.Context(), *chat, req.Model)
	if err != nil {
		if errors.Is(err, llm.ErrNoModelConfig) || errors.Is(err, llm.ErrModelNotResolved) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.streamChunks(w, r, mgr, conversation, agent.StreamOptions{
		Events:   turnEvents(chat, messageID, titleDerived),
		Mentions: req.Mentions,
	})
}

// turnEvents builds the out-of-band events that precede model output: the
// persisted id of the just-sent user message, plus the derived title when
// this message named a previously untitled chat.
func turnEvents(chat *chatstore.Chat, userMessageID string, titleDerived bool) []agent.Event {
	idPayload, _ := json.Marshal(map[string]string{
		"chat_id":    chat.ChatID,
		"message_id": userMessageID,
	})
	events := []agent.Event{{Name: "user-message", Data: idPayload}}
	if titleDerived {
		titlePayload, _ := json.Marshal(map[string]string{
			"chat_id": chat.ChatID,
			"title":   chat.Title,
		})
		events = append(events, agent.Event{Name: "chat-title", Data: titlePayload})
	}
	return events
}

// streamChunks writes the turn's chunk stream as NDJSON, one chunk per line.
// A dropped client connection stops the turn.
func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, mgr *agent.Manager, conversation []chatstore.Message, opts agent.StreamOptions) {
	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	stop := context.AfterFunc(r.Context(), mgr.Stop)
	defer stop()

	enc := json.NewEncoder(w)
	for chunk := range mgr.Stream(conversation, opts) {
		if err := enc.Encode(chunk); err != nil {
			mgr.Stop()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type stopChatReq struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleStopChat(w http.ResponseWriter, r *http.Request) {
	var req stopChatReq
	if !decodeBody(w, r, &req) {
		return
	}
	mgr, ok := s.agents.Get(r.PathValue("chat_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no running turn")
		return
	}
	if !mgr.IsUserOwner(req.UserID) {
		writeError(w, http.StatusForbidden, "not the chat owner")
		return
	}
	mgr.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	memories, err := s.memories.GetUserMemories(r.Context(), userID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

type editMemoryReq struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (s *Server) handleEditMemory(w http.ResponseWriter, r *http.Request) {
	var req editMemoryReq
	if !decodeBody(w, r, &req) {
		return
	}
	content := memory.NormalizeMemoryContent(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "empty content")
		return
	}
	err := s.memories.UpdateContent(r.Context(), req.UserID, r.PathValue("memory_id"), content)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "content": content})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	if err := s.memories.Delete(r.Context(), userID, r.PathValue("memory_id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type memorySettingsReq struct {
	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Enabled   *bool  `json:"enabled"`
}

func (s *Server) handleMemorySettings(w http.ResponseWriter, r *http.Request) {
	var req memorySettingsReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "missing enabled")
		return
	}
	switch {
	case strings.TrimSpace(req.UserID) != "":
		if err := s.memories.SetUserEnabled(r.Context(), req.UserID, *req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case strings.TrimSpace(req.ProjectID) != "":
		if err := s.memories.SetProjectEnabled(r.Context(), req.ProjectID, *req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "missing user_id or project_id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := userIDOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	totals, err := s.ledger.TotalsForUser(r.Context(), userID, r.URL.Query().Get("record_type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	records, err := s.ledger.ListForUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals, "records": records})
}

// ownedChat loads the chat named in the path and enforces ownership.
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request, userID string) (*chatstore.Chat, bool) {
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return nil, false
	}
	chat, err := s.chats.GetChat(r.Context(), userID, r.PathValue("chat_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if chat == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return chat, true
}

// deriveTitle turns the first user message into a chat title.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if len(title) <= defaultTitleLimit {
		return title
	}
	cut := strings.LastIndexByte(title[:defaultTitleLimit], ' ')
	if cut <= 0 {
		cut = defaultTitleLimit
	}
	return title[:cut] + "…"
}
