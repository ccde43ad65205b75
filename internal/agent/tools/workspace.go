package tools

import (
	"encoding/json"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace is the analytics project folder all file and database tools
// operate under. Tool paths are POSIX-like virtual paths mapped onto the
// configured root; anything escaping the root is rejected.
type Workspace struct {
	root string
}

func NewWorkspace(root string) *Workspace {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Workspace{root: filepath.Clean(root)}
}

func (w *Workspace) Root() string {
	if w == nil {
		return ""
	}
	return w.root
}

func (w *Workspace) resolve(p string) (virtual string, real string, err error) {
	if w == nil || strings.TrimSpace(w.root) == "" {
		return "", "", errors.New("no project folder configured")
	}

	p = strings.TrimSpace(p)
	if p == "" {
		p = "/"
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	vp := path.Clean(p)
	if vp == "." {
		vp = "/"
	}
	if !strings.HasPrefix(vp, "/") {
		vp = "/" + vp
	}

	rel := strings.TrimPrefix(vp, "/")
	relOS := filepath.FromSlash(rel)
	if relOS != "" && filepath.IsAbs(relOS) {
		return "", "", errors.New("invalid absolute path")
	}

	abs := filepath.Clean(filepath.Join(w.root, relOS))
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", "", errors.New("path escapes project folder")
	}
	return vp, abs, nil
}

// Connection is one database discovered under the project's hive-style
// layout: databases/type=<type>/database=<name>.
type Connection struct {
	Type     string `json:"type"`
	Database string `json:"database"`
}

// Connections scans the databases folder. A missing folder yields nil.
func (w *Workspace) Connections() []Connection {
	if w == nil {
		return nil
	}
	base := filepath.Join(w.root, "databases")
	typeEntries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var out []Connection
	for _, te := range typeEntries {
		if !te.IsDir() || !strings.HasPrefix(te.Name(), "type=") {
			continue
		}
		typ := strings.TrimPrefix(te.Name(), "type=")
		if typ == "" {
			continue
		}
		dbEntries, err := os.ReadDir(filepath.Join(base, te.Name()))
		if err != nil {
			continue
		}
		for _, de := range dbEntries {
			if !de.IsDir() || !strings.HasPrefix(de.Name(), "database=") {
				continue
			}
			db := strings.TrimPrefix(de.Name(), "database=")
			if db == "" {
				continue
			}
			out = append(out, Connection{Type: typ, Database: db})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].Database < out[j].Database
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// DatabasePath returns the SQLite file backing a discovered connection.
// The data file lives inside the connection directory as data.db.
func (w *Workspace) DatabasePath(conn Connection) string {
	if w == nil {
		return ""
	}
	return filepath.Join(w.root, "databases", "type="+conn.Type, "database="+conn.Database, "data.db")
}

// Rules returns the content of RULES.md at the project root, or "" when the
// file does not exist or cannot be read.
func (w *Workspace) Rules() string {
	if w == nil {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(w.root, "RULES.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// IntegrationTool is one remote tool declared by an external integration.
type IntegrationTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Endpoint    string          `json:"endpoint"`
}

// Integration is an external tool provider declared by the project under
// .nao/integrations.json.
type Integration struct {
	Name  string            `json:"name"`
	Tools []IntegrationTool `json:"tools"`
}

// Integrations loads the project's integration declarations. Missing or
// malformed files yield nil so a broken declaration never blocks a turn.
func (w *Workspace) Integrations() []Integration {
	if w == nil {
		return nil
	}
	b, err := os.ReadFile(filepath.Join(w.root, ".nao", "integrations.json"))
	if err != nil {
		return nil
	}
	var out []Integration
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
