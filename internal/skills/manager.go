package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one discovered SKILL.md, identified by its directory name.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Scope       string `json:"scope"`
	Priority    int    `json:"priority,omitempty"`
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
}

type discoveryRoot struct {
	Path  string
	Scope string
}

// Manager discovers skills under the project and the user home. Project
// skills shadow user skills of the same name.
type Manager struct {
	mu         sync.RWMutex
	projectDir string
	userHome   string

	byName map[string][]Skill
}

var skillNameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

func NewManager(projectDir string) *Manager {
	home, _ := os.UserHomeDir()
	return &Manager{
		projectDir: strings.TrimSpace(projectDir),
		userHome:   strings.TrimSpace(home),
		byName:     map[string][]Skill{},
	}
}

func (m *Manager) roots() []discoveryRoot {
	roots := make([]discoveryRoot, 0, 2)
	if dir := strings.TrimSpace(m.projectDir); dir != "" {
		roots = append(roots, discoveryRoot{Path: filepath.Join(dir, ".nao", "skills"), Scope: "project"})
	}
	if home := strings.TrimSpace(m.userHome); home != "" {
		roots = append(roots, discoveryRoot{Path: filepath.Join(home, ".nao-agent", "skills"), Scope: "user"})
	}
	return roots
}

// Discover rescans all roots. Safe to call at any time.
func (m *Manager) Discover() {
	if m == nil {
		return
	}
	grouped := map[string][]Skill{}
	for _, root := range m.roots() {
		for _, s := range scanRoot(root) {
			grouped[s.Name] = append(grouped[s.Name], s)
		}
	}
	m.mu.Lock()
	m.byName = grouped
	m.mu.Unlock()
}

// List returns the effective skills (shadowing applied), highest priority first.
func (m *Manager) List() []Skill {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Skill, 0, len(m.byName))
	for _, items := range m.byName {
		if len(items) > 0 {
			out = append(out, items[0])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// GetContent returns the effective skill's markdown body.
func (m *Manager) GetContent(name string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("nil skill manager")
	}
	name = strings.TrimSpace(name)
	if !skillNameRE.MatchString(name) {
		return "", fmt.Errorf("invalid skill name: %s", name)
	}
	m.mu.RLock()
	items := m.byName[name]
	m.mu.RUnlock()
	if len(items) == 0 {
		return "", fmt.Errorf("unknown skill: %s", name)
	}
	_, body, err := parseSkillFile(items[0].Path, items[0].Scope)
	if err != nil {
		return "", err
	}
	return body, nil
}

func scanRoot(root discoveryRoot) []Skill {
	rootPath := filepath.Clean(strings.TrimSpace(root.Path))
	if rootPath == "" {
		return nil
	}
	entries, err := os.ReadDir(rootPath)
	if err != nil {
		return nil
	}
	out := make([]Skill, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || !entry.IsDir() {
			continue
		}
		dirName := strings.TrimSpace(entry.Name())
		if dirName == "" {
			continue
		}
		skillFile := filepath.Join(rootPath, dirName, "SKILL.md")
		meta, _, err := parseSkillFile(skillFile, root.Scope)
		if err != nil {
			continue
		}
		if meta.Name != dirName {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

func parseSkillFile(path string, scope string) (Skill, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, "", err
	}
	frontmatterRaw, body, ok := splitFrontmatter(string(content))
	if !ok {
		return Skill{}, "", fmt.Errorf("missing frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(frontmatterRaw), &fm); err != nil {
		return Skill{}, "", err
	}
	fm.Name = strings.TrimSpace(fm.Name)
	fm.Description = strings.TrimSpace(fm.Description)
	if fm.Name == "" || fm.Description == "" {
		return Skill{}, "", fmt.Errorf("invalid frontmatter")
	}
	meta := Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Path:        filepath.Clean(path),
		Scope:       strings.TrimSpace(scope),
		Priority:    fm.Priority,
	}
	return meta, strings.TrimSpace(body), nil
}

func splitFrontmatter(raw string) (front string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front = strings.Join(lines[1:end], "\n")
	if end+1 < len(lines) {
		body = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(body), true
}
