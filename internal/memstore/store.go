package memstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Memory categories.
const (
	CategoryGlobalRule   = "global_rule"
	CategoryPersonalFact = "personal_fact"
)

// Store is a local SQLite-backed persistence layer for long-term user memories.
//
// Memories are never hard-deleted by extraction: a newer memory replaces an
// older one by writing its id into superseded_by, which is set at most once.
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

// NewMemoryID generates a cryptographically random memory id.
func NewMemoryID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mem_" + base64.RawURLEncoding.EncodeToString(b), nil
}

type Memory struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id,omitempty"`
	Category string `json:"category"`
	Content  string `json:"content"`

	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// NewMemory is one extracted memory to be persisted.
type NewMemory struct {
	Category     string
	Content      string
	SupersedesID string
}

func ValidCategory(category string) bool {
	switch strings.TrimSpace(category) {
	case CategoryGlobalRule, CategoryPersonalFact:
		return true
	default:
		return false
	}
}

// GetUserMemories returns the user's live memories newest-first. Memories
// born in excludeChatID are skipped so an extraction run never sees its own
// chat's freshly minted memories as prior context.
func (s *Store) GetUserMemories(ctx context.Context, userID string, excludeChatID string) ([]Memory, error) {
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

	args := []any{userID}
	where := ""
	if exclude := strings.TrimSpace(excludeChatID); exclude != "" {
		where = "AND (chat_id != ? OR chat_id = '')"
		args = append(args, exclude)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT memory_id, user_id, chat_id, category, content, superseded_by, created_at_unix_ms, updated_at_unix_ms
FROM memories
WHERE user_id = ? AND superseded_by = ''
%s
ORDER BY created_at_unix_ms DESC, memory_id DESC
`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Memory, 0, 16)
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.MemoryID, &m.UserID, &m.ChatID, &m.Category, &m.Content, &m.SupersededBy, &m.CreatedAtUnixMs, &m.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertAndSupersede inserts the new memories and marks their supersession
// targets in one transaction. A target is only updated when it still belongs
// to the user and has not been superseded before; stale targets are ignored.
func (s *Store) UpsertAndSupersede(ctx context.Context, userID string, chatID string, items []NewMemory) ([]Memory, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	chatID = strings.TrimSpace(chatID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	inserted := make([]Memory, 0, len(items))
	for _, item := range items {
		category := strings.TrimSpace(item.Category)
		content := strings.TrimSpace(item.Content)
		if !ValidCategory(category) || content == "" {
			continue
		}
		id, err := NewMemoryID()
		if err != nil {
			return nil, err
		}
		m := Memory{
			MemoryID:        id,
			UserID:          userID,
			ChatID:          chatID,
			Category:        category,
			Content:         content,
			CreatedAtUnixMs: now,
			UpdatedAtUnixMs: now,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(memory_id, user_id, chat_id, category, content, superseded_by, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, '', ?, ?)
`, m.MemoryID, m.UserID, m.ChatID, m.Category, m.Content, m.CreatedAtUnixMs, m.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		inserted = append(inserted, m)

		if target := strings.TrimSpace(item.SupersedesID); target != "" && target != id {
			if _, err := tx.ExecContext(ctx, `
UPDATE memories SET superseded_by = ?, updated_at_unix_ms = ?
WHERE memory_id = ? AND user_id = ? AND superseded_by = ''
`, id, now, target, userID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

// UpdateContent rewrites a live memory's content in place (manual edit).
func (s *Store) UpdateContent(ctx context.Context, userID string, memoryID string, content string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	memoryID = strings.TrimSpace(memoryID)
	content = strings.TrimSpace(content)
	if userID == "" || memoryID == "" || content == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET content = ?, updated_at_unix_ms = ?
WHERE memory_id = ? AND user_id = ? AND superseded_by = ''
`, content, time.Now().UnixMilli(), memoryID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("memory not found")
	}
	return nil
}

// Delete removes a memory entirely (manual delete from settings).
func (s *Store) Delete(ctx context.Context, userID string, memoryID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	memoryID = strings.TrimSpace(memoryID)
	if userID == "" || memoryID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE memory_id = ? AND user_id = ?`, memoryID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("memory not found")
	}
	return nil
}

// Settings scopes.
const (
	scopeUser    = "user"
	scopeProject = "project"
)

// IsMemoryEnabled reports whether memory may be used for this user in this
// project. Both scopes default to enabled; either can opt out.
func (s *Store) IsMemoryEnabled(ctx context.Context, userID string, projectID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, errors.New("missing user_id")
	}

	userEnabled, err := s.scopeEnabled(ctx, scopeUser, userID)
	if err != nil {
		return false, err
	}
	if !userEnabled {
		return false, nil
	}
	if projectID = strings.TrimSpace(projectID); projectID != "" {
		return s.scopeEnabled(ctx, scopeProject, projectID)
	}
	return true, nil
}

func (s *Store) scopeEnabled(ctx context.Context, scope string, scopeID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `
SELECT enabled FROM memory_settings WHERE scope = ? AND scope_id = ?
`, scope, scopeID).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return enabled != 0, nil
}

func (s *Store) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	return s.setScopeEnabled(ctx, scopeUser, userID, enabled)
}

func (s *Store) SetProjectEnabled(ctx context.Context, projectID string, enabled bool) error {
	return s.setScopeEnabled(ctx, scopeProject, projectID, enabled)
}

func (s *Store) setScopeEnabled(ctx context.Context, scope string, scopeID string, enabled bool) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return errors.New("missing scope id")
	}

	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_settings(scope, scope_id, enabled, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(scope, scope_id) DO UPDATE SET enabled = excluded.enabled, updated_at_unix_ms = excluded.updated_at_unix_ms
`, scope, scopeID, v, time.Now().UnixMilli())
	return err
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
CREATE TABLE IF NOT EXISTS memories (
  memory_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  chat_id TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL,
  content TEXT NOT NULL,
  superseded_by TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_live ON memories(user_id, superseded_by, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS memory_settings (
  scope TEXT NOT NULL,
  scope_id TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (scope, scope_id)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
