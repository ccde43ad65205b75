package tools

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/naolabs/nao-agent/internal/llm"
)

const (
	grepDefaultMaxResults = 100
	grepMaxFileSize       = 1 << 20
	readMaxBytes          = 256 << 10
)

type listTool struct{ ws *Workspace }

func (t *listTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "list",
		Description: "List files and directories at a path inside the project folder.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "The path to list."}
			},
			"required": ["path"]
		}`),
	}
}

type listEntry struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Size      string `json:"size,omitempty"`
	ItemCount int    `json:"itemCount,omitempty"`
}

func (t *listTool) Execute(_ context.Context, args map[string]any) (any, error) {
	vp, real, err := t.ws.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(real)
	if err != nil {
		return nil, err
	}
	out := make([]listEntry, 0, len(ents))
	for _, e := range ents {
		entry := listEntry{Path: path.Join(vp, e.Name()), Name: e.Name()}
		info, err := e.Info()
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			entry.Type = "symbolic_link"
		case info.IsDir():
			entry.Type = "directory"
			if children, err := os.ReadDir(filepath.Join(real, e.Name())); err == nil {
				entry.ItemCount = len(children)
			}
		default:
			entry.Type = "file"
			entry.Size = humanSize(info.Size())
		}
		out = append(out, entry)
	}
	return map[string]any{"entries": out}, nil
}

type readTool struct{ ws *Workspace }

func (t *readTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "read",
		Description: "Read a file inside the project folder and return its content.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string"}
			},
			"required": ["file_path"]
		}`),
	}
}

func (t *readTool) Execute(_ context.Context, args map[string]any) (any, error) {
	p, err := requireString(args, "file_path")
	if err != nil {
		return nil, err
	}
	_, real, err := t.ws.resolve(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(real)
	if err != nil {
		return nil, err
	}
	content := string(b)
	truncated := false
	if len(content) > readMaxBytes {
		content = content[:readMaxBytes]
		truncated = true
	}
	total := strings.Count(string(b), "\n")
	if len(b) > 0 && !strings.HasSuffix(string(b), "\n") {
		total++
	}
	return map[string]any{
		"content":            content,
		"numberOfTotalLines": total,
		"truncated":          truncated,
	}, nil
}

type grepTool struct{ ws *Workspace }

func (t *grepTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "grep",
		Description: "Search file contents inside the project folder with a regex pattern.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "The regex pattern to search for in file contents."},
				"path": {"type": "string", "description": "File or directory path to search in. Defaults to the project root."},
				"glob": {"type": "string", "description": "Glob pattern to filter files (e.g. \"*.sql\"). Applied recursively."},
				"case_insensitive": {"type": "boolean", "description": "Case insensitive search. Defaults to false."},
				"context_lines": {"type": "integer", "description": "Number of context lines before and after each match."},
				"max_results": {"type": "integer", "description": "Maximum number of matches to return. Defaults to 100."}
			},
			"required": ["pattern"]
		}`),
	}
}

type grepMatch struct {
	Path          string   `json:"path"`
	LineNumber    int      `json:"line_number"`
	LineContent   string   `json:"line_content"`
	ContextBefore []string `json:"context_before,omitempty"`
	ContextAfter  []string `json:"context_after,omitempty"`
}

func (t *grepTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return nil, err
	}
	if boolArg(args, "case_insensitive") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	_, real, err := t.ws.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	glob := stringArg(args, "glob")
	contextLines := intArg(args, "context_lines", 0)
	maxResults := intArg(args, "max_results", grepDefaultMaxResults)
	if maxResults <= 0 {
		maxResults = grepDefaultMaxResults
	}

	var matches []grepMatch
	total := 0
	truncated := false
	walkErr := filepath.WalkDir(real, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != real {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := path.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > grepMaxFileSize {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil || strings.ContainsRune(string(b), '\x00') {
			return nil
		}

		rel, err := filepath.Rel(t.ws.Root(), p)
		if err != nil {
			return nil
		}
		lines := strings.Split(string(b), "\n")
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			total++
			if len(matches) >= maxResults {
				truncated = true
				continue
			}
			m := grepMatch{
				Path:        "/" + filepath.ToSlash(rel),
				LineNumber:  i + 1,
				LineContent: line,
			}
			for j := max(0, i-contextLines); j < i; j++ {
				m.ContextBefore = append(m.ContextBefore, lines[j])
			}
			for j := i + 1; j <= i+contextLines && j < len(lines); j++ {
				m.ContextAfter = append(m.ContextAfter, lines[j])
			}
			matches = append(matches, m)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if matches == nil {
		matches = []grepMatch{}
	}
	return map[string]any{
		"matches":       matches,
		"total_matches": total,
		"truncated":     truncated,
	}, nil
}

type searchTool struct{ ws *Workspace }

func (t *searchTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "search",
		Description: "Find files inside the project folder by name. The pattern can be a glob.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "The pattern to search for. Can be a glob pattern."}
			},
			"required": ["pattern"]
		}`),
	}
}

type searchFile struct {
	Path string `json:"path"`
	Dir  string `json:"dir"`
	Size string `json:"size"`
}

func (t *searchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return nil, err
	}
	_, real, err := t.ws.resolve("/")
	if err != nil {
		return nil, err
	}

	isGlob := strings.ContainsAny(pattern, "*?[")
	var files []searchFile
	walkErr := filepath.WalkDir(real, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != real {
				return filepath.SkipDir
			}
			return nil
		}
		matched := false
		if isGlob {
			matched, _ = path.Match(pattern, d.Name())
		} else {
			matched = strings.Contains(strings.ToLower(d.Name()), strings.ToLower(pattern))
		}
		if !matched {
			return nil
		}
		rel, err := filepath.Rel(real, p)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		vp := "/" + filepath.ToSlash(rel)
		files = append(files, searchFile{
			Path: vp,
			Dir:  path.Dir(vp),
			Size: humanSize(info.Size()),
		})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if files == nil {
		files = []searchFile{}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return map[string]any{"files": files}, nil
}
