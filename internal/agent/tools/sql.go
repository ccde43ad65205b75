package tools

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/naolabs/nao-agent/internal/llm"

	_ "modernc.org/sqlite"
)

const sqlMaxRows = 500

// queryResult is one execute_sql output retained for the duration of a turn
// so display_chart and story can reference it by id.
type queryResult struct {
	ID      string
	Columns []string
	Rows    int
}

// resultCache indexes query results by id for later reference by other tools.
type resultCache struct {
	mu      sync.Mutex
	results map[string]queryResult
}

func newResultCache() *resultCache {
	return &resultCache{results: make(map[string]queryResult)}
}

func (c *resultCache) put(r queryResult) {
	c.mu.Lock()
	c.results[r.ID] = r
	c.mu.Unlock()
}

func (c *resultCache) get(id string) (queryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[strings.TrimSpace(id)]
	return r, ok
}

func newQueryID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "query_00000000"
	}
	return "query_" + hex.EncodeToString(b[:])
}

type executeSQLTool struct {
	ws      *Workspace
	results *resultCache

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func newExecuteSQLTool(ws *Workspace, results *resultCache) *executeSQLTool {
	return &executeSQLTool{ws: ws, results: results, dbs: make(map[string]*sql.DB)}
}

func (t *executeSQLTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "execute_sql",
		Description: "Execute a SQL query against the connected database and return the results. If multiple databases are configured, specify the database_id.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sql_query": {"type": "string", "description": "The SQL query to execute"},
				"database_id": {"type": "string", "description": "The database name/id to use. Required if multiple databases are configured."}
			},
			"required": ["sql_query"]
		}`),
	}
}

func (t *executeSQLTool) open(conn Connection) (*sql.DB, error) {
	if conn.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported database type: %s", conn.Type)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if db, ok := t.dbs[conn.Database]; ok {
		return db, nil
	}
	path := t.ws.DatabasePath(conn)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(3000)&_pragma=query_only(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.dbs[conn.Database] = db
	return db, nil
}

func (t *executeSQLTool) pick(databaseID string) (Connection, error) {
	conns := t.ws.Connections()
	if len(conns) == 0 {
		return Connection{}, errors.New("no databases configured in the project folder")
	}
	if databaseID == "" {
		if len(conns) > 1 {
			return Connection{}, errors.New("multiple databases configured, specify database_id")
		}
		return conns[0], nil
	}
	for _, c := range conns {
		if c.Database == databaseID {
			return c, nil
		}
	}
	return Connection{}, fmt.Errorf("unknown database: %s", databaseID)
}

func (t *executeSQLTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, err := requireString(args, "sql_query")
	if err != nil {
		return nil, err
	}
	conn, err := t.pick(stringArg(args, "database_id"))
	if err != nil {
		return nil, err
	}
	db, err := t.open(conn)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	data := make([]map[string]any, 0, 32)
	for rows.Next() {
		if len(data) >= sqlMaxRows {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	id := newQueryID()
	t.results.put(queryResult{ID: id, Columns: columns, Rows: len(data)})
	return map[string]any{
		"id":        id,
		"columns":   columns,
		"data":      data,
		"row_count": len(data),
	}, nil
}

// Close releases cached database handles.
func (t *executeSQLTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for name, db := range t.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.dbs, name)
	}
	return firstErr
}
