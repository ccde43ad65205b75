package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/naolabs/nao-agent/internal/llm"
)

const integrationTimeout = 20 * time.Second

// integrationTool proxies one remote tool declared by a project integration.
// Arguments are POSTed as JSON to the declared endpoint; the response body is
// returned verbatim as the tool result.
type integrationTool struct {
	name        string
	description string
	schema      json.RawMessage
	endpoint    string
	client      *http.Client
}

func newIntegrationTools(integrations []Integration, client *http.Client) []*integrationTool {
	if client == nil {
		client = &http.Client{Timeout: integrationTimeout}
	}
	var out []*integrationTool
	for _, integ := range integrations {
		prefix := strings.TrimSpace(integ.Name)
		if prefix == "" {
			continue
		}
		for _, tool := range integ.Tools {
			name := strings.TrimSpace(tool.Name)
			endpoint := strings.TrimSpace(tool.Endpoint)
			if name == "" || endpoint == "" {
				continue
			}
			out = append(out, &integrationTool{
				name:        prefix + "_" + name,
				description: strings.TrimSpace(tool.Description),
				schema:      tool.InputSchema,
				endpoint:    endpoint,
				client:      client,
			})
		}
	}
	return out
}

func (t *integrationTool) Def() llm.ToolDef {
	schema := t.schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type": "object"}`)
	}
	return llm.ToolDef{
		Name:        t.name,
		Description: t.description,
		InputSchema: schema,
	}
}

func (t *integrationTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("integration %s returned status %d: %s", t.name, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var value any
	if err := json.Unmarshal(b, &value); err != nil {
		value = string(b)
	}
	return value, nil
}
