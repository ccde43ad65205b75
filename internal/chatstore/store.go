package chatstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for chats and messages.
//
// Notes:
// - Data is scoped by user_id; chats optionally belong to a project.
// - Superseded messages stay in the table (superseded_at_unix_ms > 0) so
//   history edits remain auditable; readers filter them out.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewChatID generates a cryptographically random chat id.
func NewChatID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "chat_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewMessageID generates a cryptographically random message id.
func NewMessageID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "msg_" + base64.RawURLEncoding.EncodeToString(b), nil
}

type Chat struct {
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// Part is one typed segment of a stored message.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsJSON   json.RawMessage `json:"args_json,omitempty"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
}

type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens,omitempty"`
	CachedInputTokens   int64 `json:"cached_input_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	OutputTokens        int64 `json:"output_tokens,omitempty"`
	ReasoningTokens     int64 `json:"reasoning_tokens,omitempty"`
}

func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.CachedInputTokens + u.CacheCreationTokens + u.OutputTokens
}

type Message struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`

	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"model_id,omitempty"`

	StopReason   string `json:"stop_reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Usage TokenUsage `json:"usage"`

	CreatedAtUnixMs    int64 `json:"created_at_unix_ms"`
	SupersededAtUnixMs int64 `json:"superseded_at_unix_ms,omitempty"`

	Parts []Part `json:"parts"`
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != "text" {
			continue
		}
		if txt := strings.TrimSpace(p.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ChatID = strings.TrimSpace(c.ChatID)
	c.UserID = strings.TrimSpace(c.UserID)
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.Title = strings.TrimSpace(c.Title)
	if c.ChatID == "" || c.UserID == "" {
		return errors.New("invalid chat")
	}

	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = c.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, user_id, project_id, title, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, c.ChatID, c.UserID, c.ProjectID, c.Title, c.CreatedAtUnixMs, c.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetChat(ctx context.Context, userID string, chatID string) (*Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	chatID = strings.TrimSpace(chatID)
	if userID == "" || chatID == "" {
		return nil, errors.New("invalid request")
	}

	var c Chat
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, user_id, project_id, title, created_at_unix_ms, updated_at_unix_ms
FROM chats
WHERE user_id = ? AND chat_id = ?
`, userID, chatID).Scan(&c.ChatID, &c.UserID, &c.ProjectID, &c.Title, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SearchChats lists a user's chats newest-first, optionally filtered by a
// case-insensitive substring of the title or of any live message's text.
func (s *Store) SearchChats(ctx context.Context, userID string, query string, limit int) ([]Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{userID}
	where := ""
	if q := strings.TrimSpace(query); q != "" {
		where = `AND (title LIKE ? ESCAPE '\' OR EXISTS (
	SELECT 1 FROM chat_messages m
	JOIN message_parts p ON p.message_id = m.message_id
	WHERE m.chat_id = chats.chat_id
	  AND m.superseded_at_unix_ms = 0
	  AND p.type = 'text'
	  AND p.text LIKE ? ESCAPE '\'
))`
		pattern := "%" + escapeLike(q) + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT chat_id, user_id, project_id, title, created_at_unix_ms, updated_at_unix_ms
FROM chats
WHERE user_id = ?
%s
ORDER BY updated_at_unix_ms DESC, chat_id DESC
LIMIT ?
`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chat, 0, limit)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.UserID, &c.ProjectID, &c.Title, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RenameChat(ctx context.Context, userID string, chatID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	chatID = strings.TrimSpace(chatID)
	title = strings.TrimSpace(title)
	if userID == "" || chatID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE chats SET title = ?, updated_at_unix_ms = ?
WHERE user_id = ? AND chat_id = ?
`, title, time.Now().UnixMilli(), userID, chatID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("chat not found")
	}
	return nil
}

// DeleteChat removes the chat and all of its messages and parts.
func (s *Store) DeleteChat(ctx context.Context, userID string, chatID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	chatID = strings.TrimSpace(chatID)
	if userID == "" || chatID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("chat not found")
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM message_parts
WHERE message_id IN (SELECT message_id FROM chat_messages WHERE chat_id = ?)
`, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessage persists one message and its parts.
//
// The message row is insert-or-ignore keyed by message_id; parts are replaced
// wholesale so a finished stream overwrites the partial set from a retry.
func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.MessageID = strings.TrimSpace(m.MessageID)
	m.ChatID = strings.TrimSpace(m.ChatID)
	m.Role = strings.ToLower(strings.TrimSpace(m.Role))
	m.Provider = strings.TrimSpace(m.Provider)
	m.ModelID = strings.TrimSpace(m.ModelID)
	if m.MessageID == "" || m.ChatID == "" || m.Role == "" {
		return errors.New("invalid message")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages(
  message_id, chat_id, role, provider, model_id, stop_reason, error_message,
  input_tokens, cached_input_tokens, cache_creation_tokens, output_tokens, reasoning_tokens,
  created_at_unix_ms, superseded_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(message_id) DO UPDATE SET
  provider = excluded.provider,
  model_id = excluded.model_id,
  stop_reason = excluded.stop_reason,
  error_message = excluded.error_message,
  input_tokens = excluded.input_tokens,
  cached_input_tokens = excluded.cached_input_tokens,
  cache_creation_tokens = excluded.cache_creation_tokens,
  output_tokens = excluded.output_tokens,
  reasoning_tokens = excluded.reasoning_tokens
`,
		m.MessageID, m.ChatID, m.Role, m.Provider, m.ModelID, strings.TrimSpace(m.StopReason), strings.TrimSpace(m.ErrorMessage),
		m.Usage.InputTokens, m.Usage.CachedInputTokens, m.Usage.CacheCreationTokens, m.Usage.OutputTokens, m.Usage.ReasoningTokens,
		m.CreatedAtUnixMs,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_parts WHERE message_id = ?`, m.MessageID); err != nil {
		return err
	}
	for i, p := range m.Parts {
		argsJSON := ""
		if len(p.ArgsJSON) > 0 {
			argsJSON = string(p.ArgsJSON)
		}
		resultJSON := ""
		if len(p.ResultJSON) > 0 {
			resultJSON = string(p.ResultJSON)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO message_parts(message_id, idx, type, text, tool_call_id, tool_name, args_json, result_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, m.MessageID, i, strings.TrimSpace(p.Type), p.Text, strings.TrimSpace(p.ToolCallID), strings.TrimSpace(p.ToolName), argsJSON, resultJSON); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chats SET updated_at_unix_ms = ? WHERE chat_id = ?
`, now, m.ChatID); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns the live (non-superseded) messages of a chat in
// chronological order, parts included.
func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("missing chat_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, chat_id, role, provider, model_id, stop_reason, error_message,
  input_tokens, cached_input_tokens, cache_creation_tokens, output_tokens, reasoning_tokens,
  created_at_unix_ms, superseded_at_unix_ms
FROM chat_messages
WHERE chat_id = ? AND superseded_at_unix_ms = 0
ORDER BY created_at_unix_ms ASC, id ASC
`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	byID := map[string]int{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.MessageID, &m.ChatID, &m.Role, &m.Provider, &m.ModelID, &m.StopReason, &m.ErrorMessage,
			&m.Usage.InputTokens, &m.Usage.CachedInputTokens, &m.Usage.CacheCreationTokens, &m.Usage.OutputTokens, &m.Usage.ReasoningTokens,
			&m.CreatedAtUnixMs, &m.SupersededAtUnixMs,
		); err != nil {
			return nil, err
		}
		byID[m.MessageID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	prows, err := s.db.QueryContext(ctx, `
SELECT p.message_id, p.type, p.text, p.tool_call_id, p.tool_name, p.args_json, p.result_json
FROM message_parts p
JOIN chat_messages m ON m.message_id = p.message_id
WHERE m.chat_id = ? AND m.superseded_at_unix_ms = 0
ORDER BY p.message_id, p.idx ASC
`, chatID)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	for prows.Next() {
		var messageID string
		var p Part
		var argsJSON, resultJSON string
		if err := prows.Scan(&messageID, &p.Type, &p.Text, &p.ToolCallID, &p.ToolName, &argsJSON, &resultJSON); err != nil {
			return nil, err
		}
		if argsJSON != "" {
			p.ArgsJSON = json.RawMessage(argsJSON)
		}
		if resultJSON != "" {
			p.ResultJSON = json.RawMessage(resultJSON)
		}
		idx, ok := byID[messageID]
		if !ok {
			continue
		}
		out[idx].Parts = append(out[idx].Parts, p)
	}
	return out, prows.Err()
}

// SupersedeMessagesFrom soft-deletes the given message and everything after it
// in the chat. Used when a user edits or retries from a point in history.
func (s *Store) SupersedeMessagesFrom(ctx context.Context, chatID string, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatID = strings.TrimSpace(chatID)
	messageID = strings.TrimSpace(messageID)
	if chatID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt int64
	err = tx.QueryRowContext(ctx, `
SELECT created_at_unix_ms FROM chat_messages
WHERE chat_id = ? AND message_id = ?
`, chatID, messageID).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("message not found")
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_messages SET superseded_at_unix_ms = ?
WHERE chat_id = ? AND created_at_unix_ms >= ? AND superseded_at_unix_ms = 0
`, time.Now().UnixMilli(), chatID, createdAt); err != nil {
		return err
	}
	return tx.Commit()
}

// LastAssistantUsage returns the token usage of the most recent live assistant
// message that carries any token accounting, or nil when there is none.
func (s *Store) LastAssistantUsage(ctx context.Context, chatID string) (*TokenUsage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("missing chat_id")
	}

	var u TokenUsage
	err := s.db.QueryRowContext(ctx, `
SELECT input_tokens, cached_input_tokens, cache_creation_tokens, output_tokens, reasoning_tokens
FROM chat_messages
WHERE chat_id = ? AND role = 'assistant' AND superseded_at_unix_ms = 0
  AND (input_tokens + cached_input_tokens + cache_creation_tokens + output_tokens) > 0
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT 1
`, chatID).Scan(&u.InputTokens, &u.CachedInputTokens, &u.CacheCreationTokens, &u.OutputTokens, &u.ReasoningTokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chats (
  chat_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  project_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at_unix_ms DESC, chat_id DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  chat_id TEXT NOT NULL,
  role TEXT NOT NULL,
  provider TEXT NOT NULL DEFAULT '',
  model_id TEXT NOT NULL DEFAULT '',
  stop_reason TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  input_tokens INTEGER NOT NULL DEFAULT 0,
  cached_input_tokens INTEGER NOT NULL DEFAULT 0,
  cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  reasoning_tokens INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  superseded_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_created ON chat_messages(chat_id, created_at_unix_ms ASC, id ASC);

CREATE TABLE IF NOT EXISTS message_parts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  type TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  args_json TEXT NOT NULL DEFAULT '',
  result_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id, idx ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
