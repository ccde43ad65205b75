package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/naolabs/nao-agent/internal/llm"
)

var chartTypes = map[string]bool{
	"bar":         true,
	"stacked_bar": true,
	"line":        true,
	"pie":         true,
}

var xAxisTypes = map[string]bool{
	"date":     true,
	"number":   true,
	"category": true,
}

// displayChartTool validates chart specs against a previous execute_sql
// result. The client renders the chart from the tool-call arguments.
type displayChartTool struct {
	results *resultCache
}

func (t *displayChartTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "display_chart",
		Description: "Display a chart built from the data of a previous execute_sql tool call.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query_id": {"type": "string", "description": "The id of a previous execute_sql tool call's output to get data from."},
				"chart_type": {"type": "string", "enum": ["bar", "stacked_bar", "line", "pie"], "description": "Type of chart to display."},
				"x_axis_key": {"type": "string", "description": "Column name for X-axis/category labels."},
				"x_axis_type": {"type": ["string", "null"], "enum": ["date", "number", "category", null], "description": "Type of x-axis data for range controls."},
				"series": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"properties": {
							"data_key": {"type": "string", "description": "Column name from SQL result to plot."},
							"color": {"type": "string", "description": "CSS color."},
							"label": {"type": "string", "description": "Label to display in the legend."}
						},
						"required": ["data_key"]
					},
					"description": "Columns to plot as data series (at least one series required)."
				},
				"title": {"type": "string", "description": "A concise and descriptive title of what the chart shows."}
			},
			"required": ["query_id", "chart_type", "x_axis_key", "series", "title"]
		}`),
	}
}

func (t *displayChartTool) Execute(_ context.Context, args map[string]any) (any, error) {
	queryID, err := requireString(args, "query_id")
	if err != nil {
		return nil, err
	}
	result, ok := t.results.get(queryID)
	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("unknown query_id: %s", queryID)}, nil
	}

	chartType := stringArg(args, "chart_type")
	if !chartTypes[chartType] {
		return map[string]any{"success": false, "error": fmt.Sprintf("invalid chart_type: %s", chartType)}, nil
	}
	if xat := stringArg(args, "x_axis_type"); xat != "" && !xAxisTypes[xat] {
		return map[string]any{"success": false, "error": fmt.Sprintf("invalid x_axis_type: %s", xat)}, nil
	}

	known := make(map[string]bool, len(result.Columns))
	for _, c := range result.Columns {
		known[c] = true
	}
	if key := stringArg(args, "x_axis_key"); !known[key] {
		return map[string]any{"success": false, "error": fmt.Sprintf("x_axis_key %q is not a column of %s", key, queryID)}, nil
	}

	series, _ := args["series"].([]any)
	if len(series) == 0 {
		return map[string]any{"success": false, "error": "at least one series is required"}, nil
	}
	for _, s := range series {
		item, _ := s.(map[string]any)
		key := stringArg(item, "data_key")
		if key == "" || !known[key] {
			return map[string]any{"success": false, "error": fmt.Sprintf("series data_key %q is not a column of %s", key, queryID)}, nil
		}
	}
	return map[string]any{"success": true}, nil
}

type storyVersion struct {
	Title   string
	Code    string
	Version int
}

// storyTool maintains versioned markdown documents composed by the model.
// Versions live for the duration of a turn manager's registry.
type storyTool struct {
	mu      sync.Mutex
	stories map[string]storyVersion
}

func newStoryTool() *storyTool {
	return &storyTool{stories: make(map[string]storyVersion)}
}

func (t *storyTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "story",
		Description: "Create or edit a markdown story document. Stories can embed charts via <chart query_id=\"...\" /> and SQL tables via <table query_id=\"...\" /> blocks.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["create", "update", "replace"], "description": "The operation: create initializes a new story, update does a search-and-replace (new version), replace overwrites the entire content (new version)."},
				"id": {"type": "string", "description": "Unique identifier for this story. Use a short, descriptive kebab-case slug."},
				"title": {"type": "string", "description": "A concise, descriptive title for the story. Required for create."},
				"code": {"type": "string", "description": "The markdown content. Required for create and replace."},
				"search": {"type": "string", "description": "The exact text to find in the current story code. Required for update."},
				"replace": {"type": "string", "description": "The replacement text. Required for update."}
			},
			"required": ["action", "id"]
		}`),
	}
}

func (t *storyTool) Execute(_ context.Context, args map[string]any) (any, error) {
	action, err := requireString(args, "action")
	if err != nil {
		return nil, err
	}
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	current, exists := t.stories[id]

	switch action {
	case "create":
		title := stringArg(args, "title")
		code, ok := args["code"].(string)
		if title == "" || !ok {
			return t.failure(id, current, "create requires title and code"), nil
		}
		if exists {
			return t.failure(id, current, fmt.Sprintf("story %s already exists, use update or replace", id)), nil
		}
		current = storyVersion{Title: title, Code: code, Version: 1}
	case "update":
		if !exists {
			return t.failure(id, current, fmt.Sprintf("unknown story: %s", id)), nil
		}
		search, ok := args["search"].(string)
		replacement, ok2 := args["replace"].(string)
		if !ok || !ok2 || search == "" {
			return t.failure(id, current, "update requires search and replace"), nil
		}
		if !strings.Contains(current.Code, search) {
			return t.failure(id, current, "search text not found in current story code"), nil
		}
		current.Code = strings.Replace(current.Code, search, replacement, 1)
		current.Version++
	case "replace":
		if !exists {
			return t.failure(id, current, fmt.Sprintf("unknown story: %s", id)), nil
		}
		code, ok := args["code"].(string)
		if !ok {
			return t.failure(id, current, "replace requires code"), nil
		}
		if title := stringArg(args, "title"); title != "" {
			current.Title = title
		}
		current.Code = code
		current.Version++
	default:
		return t.failure(id, current, fmt.Sprintf("invalid action: %s", action)), nil
	}

	t.stories[id] = current
	return map[string]any{
		"success": true,
		"id":      id,
		"version": current.Version,
		"code":    current.Code,
		"title":   current.Title,
	}, nil
}

func (t *storyTool) failure(id string, current storyVersion, msg string) map[string]any {
	return map[string]any{
		"success": false,
		"id":      id,
		"version": current.Version,
		"code":    current.Code,
		"title":   current.Title,
		"error":   msg,
	}
}

// suggestFollowUpsTool is the terminal tool: the model calls it with 1-3
// follow-up suggestions as its final action of a turn.
type suggestFollowUpsTool struct{}

func (t *suggestFollowUpsTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "suggest_follow_ups",
		Description: "Suggest 1-3 follow-up messages the user might want to send next. Call this exactly once as the final action of your turn.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"suggestions": {
					"type": "array",
					"minItems": 1,
					"maxItems": 3,
					"items": {"type": "string", "description": "A concise follow-up question or message the user might want to send."},
					"description": "List of 1-3 suggested follow-up messages."
				}
			},
			"required": ["suggestions"]
		}`),
	}
}

func (t *suggestFollowUpsTool) Execute(_ context.Context, args map[string]any) (any, error) {
	raw, _ := args["suggestions"].([]any)
	if len(raw) == 0 || len(raw) > 3 {
		return nil, fmt.Errorf("suggestions must contain 1-3 items")
	}
	for _, s := range raw {
		if v, ok := s.(string); !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("suggestions must be non-empty strings")
		}
	}
	return map[string]any{"success": true}, nil
}
