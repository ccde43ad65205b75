package tools

import (
	"log/slog"
	"net/http"
)

// Options configures a builtin registry for one turn manager.
type Options struct {
	Workspace *Workspace
	Logger    *slog.Logger

	// EnablePython is the per-project experimental flag. The tool is only
	// registered when the sandbox probe also succeeded.
	EnablePython bool

	// HTTPClient overrides the client used by integration tools.
	HTTPClient *http.Client
}

// NewBuiltinRegistry assembles the builtin tool set plus any project-declared
// integrations. suggest_follow_ups is the terminal tool.
func NewBuiltinRegistry(opts Options) (*Registry, error) {
	ws := opts.Workspace
	if ws == nil {
		ws = NewWorkspace("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := newResultCache()
	r := NewRegistry()
	handlers := []Handler{
		&listTool{ws: ws},
		&readTool{ws: ws},
		&grepTool{ws: ws},
		&searchTool{ws: ws},
		newExecuteSQLTool(ws, results),
		&displayChartTool{results: results},
		newStoryTool(),
		&suggestFollowUpsTool{},
	}

	if opts.EnablePython {
		if sandbox := SandboxAvailable(); sandbox.Available {
			handlers = append(handlers, &executePythonTool{python: sandbox.PythonPath})
		} else {
			logger.Info("python tool disabled", "reason", sandbox.Reason)
		}
	}

	for _, tool := range newIntegrationTools(ws.Integrations(), opts.HTTPClient) {
		handlers = append(handlers, tool)
	}

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	r.SetTerminal("suggest_follow_ups")
	return r, nil
}
