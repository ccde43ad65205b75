package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record types.
const (
	RecordTypeChatTurn         = "chat_turn"
	RecordTypeMemoryExtraction = "memory_extraction"
)

// Ledger is an append-only SQLite log of model invocations and their cost.
type Ledger struct {
	db *sql.DB
}

func Open(path string) (*Ledger, error) {
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

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type Record struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	ProjectID  string `json:"project_id,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	RecordType string `json:"record_type"`
	Provider   string `json:"provider"`
	ModelID    string `json:"model_id"`

	InputTokens         int64 `json:"input_tokens"`
	CachedInputTokens   int64 `json:"cached_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	ReasoningTokens     int64 `json:"reasoning_tokens"`

	CostUSD float64 `json:"cost_usd"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

func (r Record) TotalTokens() int64 {
	return r.InputTokens + r.CachedInputTokens + r.CacheCreationTokens + r.OutputTokens
}

// Append writes one record. Records with zero total tokens are skipped
// silently; providers occasionally omit usage and a zero row is noise.
func (l *Ledger) Append(ctx context.Context, r Record) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.UserID = strings.TrimSpace(r.UserID)
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	r.ChatID = strings.TrimSpace(r.ChatID)
	r.RecordType = strings.TrimSpace(r.RecordType)
	r.Provider = strings.TrimSpace(r.Provider)
	r.ModelID = strings.TrimSpace(r.ModelID)
	if r.UserID == "" || r.RecordType == "" {
		return errors.New("invalid record")
	}
	if r.TotalTokens() <= 0 {
		return nil
	}
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO inference_records(
  user_id, project_id, chat_id, record_type, provider, model_id,
  input_tokens, cached_input_tokens, cache_creation_tokens, output_tokens, reasoning_tokens,
  cost_usd, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.UserID, r.ProjectID, r.ChatID, r.RecordType, r.Provider, r.ModelID,
		r.InputTokens, r.CachedInputTokens, r.CacheCreationTokens, r.OutputTokens, r.ReasoningTokens,
		r.CostUSD, r.CreatedAtUnixMs,
	)
	return err
}

// ListForUser returns the user's records newest-first.
func (l *Ledger) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, user_id, project_id, chat_id, record_type, provider, model_id,
  input_tokens, cached_input_tokens, cache_creation_tokens, output_tokens, reasoning_tokens,
  cost_usd, created_at_unix_ms
FROM inference_records
WHERE user_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.ProjectID, &r.ChatID, &r.RecordType, &r.Provider, &r.ModelID,
			&r.InputTokens, &r.CachedInputTokens, &r.CacheCreationTokens, &r.OutputTokens, &r.ReasoningTokens,
			&r.CostUSD, &r.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type Totals struct {
	Records     int64   `json:"records"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// TotalsForUser sums the user's records, optionally filtered by record type.
func (l *Ledger) TotalsForUser(ctx context.Context, userID string, recordType string) (Totals, error) {
	if l == nil || l.db == nil {
		return Totals{}, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Totals{}, errors.New("missing user_id")
	}

	args := []any{userID}
	where := ""
	if rt := strings.TrimSpace(recordType); rt != "" {
		where = "AND record_type = ?"
		args = append(args, rt)
	}

	var t Totals
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(1),
  COALESCE(SUM(input_tokens + cached_input_tokens + cache_creation_tokens + output_tokens), 0),
  COALESCE(SUM(cost_usd), 0)
FROM inference_records
WHERE user_id = ?
%s
`, where), args...).Scan(&t.Records, &t.TotalTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, err
	}
	return t, nil
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
CREATE TABLE IF NOT EXISTS inference_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  project_id TEXT NOT NULL DEFAULT '',
  chat_id TEXT NOT NULL DEFAULT '',
  record_type TEXT NOT NULL,
  provider TEXT NOT NULL DEFAULT '',
  model_id TEXT NOT NULL DEFAULT '',
  input_tokens INTEGER NOT NULL DEFAULT 0,
  cached_input_tokens INTEGER NOT NULL DEFAULT 0,
  cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  reasoning_tokens INTEGER NOT NULL DEFAULT 0,
  cost_usd REAL NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inference_records_user_created ON inference_records(user_id, created_at_unix_ms DESC, id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
