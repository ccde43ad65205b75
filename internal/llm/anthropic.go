package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxOutputTokens = 4096

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(apiKey string, baseURL string) *anthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.ThinkingBudgetTokens >= 1024 && int64(req.ThinkingBudgetTokens) < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudgetTokens))
	}
	if system := buildAnthropicSystem(req.Messages); len(system) > 0 {
		params.System = system
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	var textBuf strings.Builder
	var reasoningBuf strings.Builder

	type partialCall struct {
		Index int64
		ID    string
		Name  string

		Started bool
		Ended   bool
		ArgsRaw strings.Builder
		Args    map[string]any
	}
	partials := map[int64]*partialCall{} // content_block index -> partial

	emitStart := func(pc *partialCall) {
		if pc == nil || pc.Started {
			return
		}
		pc.Started = true
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: pc.ID, Name: pc.Name}})
	}
	emitDelta := func(pc *partialCall) {
		if pc == nil || pc.ID == "" || pc.Name == "" {
			return
		}
		emitStart(pc)
		raw := strings.TrimSpace(pc.ArgsRaw.String())
		var args map[string]any
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &args) // Streaming deltas may be incomplete; ignore parse failures.
		}
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: pc.ID, Name: pc.Name, ArgumentsJSON: raw, Arguments: cloneArgs(args)}})
	}
	emitEnd := func(pc *partialCall, rawArgs string) {
		if pc == nil || pc.Ended {
			return
		}
		pc.Ended = true
		args := map[string]any{}
		if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
			_ = json.Unmarshal([]byte(rawArgs), &args)
		}
		pc.Args = args
		emitStart(pc)
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: pc.ID, Name: pc.Name, Arguments: cloneArgs(args)}})
	}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return TurnResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(partials)+1)
			}
			pc := &partialCall{Index: variant.Index, ID: callID, Name: strings.TrimSpace(variant.ContentBlock.Name)}
			partials[variant.Index] = pc
			emitStart(pc)

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				emitStreamEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta.Text})
			case anthropic.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				reasoningBuf.WriteString(delta.Thinking)
				emitStreamEvent(onEvent, StreamEvent{Type: StreamEventReasoningDelta, Text: delta.Thinking})
			case anthropic.InputJSONDelta:
				pc := partials[variant.Index]
				if pc == nil || delta.PartialJSON == "" {
					continue
				}
				pc.ArgsRaw.WriteString(delta.PartialJSON)
				emitDelta(pc)
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || pc.Ended {
				continue
			}
			raw := strings.TrimSpace(pc.ArgsRaw.String())
			if raw == "" {
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						raw = strings.TrimSpace(string(tu.Input))
					}
				}
			}
			emitEnd(pc, raw)
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		FinishReason: mapAnthropicStopReason(msg.StopReason),
		Text:         strings.TrimSpace(textBuf.String()),
		Reasoning:    strings.TrimSpace(reasoningBuf.String()),
		Usage:        anthropicUsage(msg.Usage),
	}

	indices := make([]int64, 0, len(partials))
	for idx, pc := range partials {
		if pc != nil && pc.Ended && pc.ID != "" {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		pc := partials[idx]
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.ID, Name: pc.Name, Args: cloneArgs(pc.Args)})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishReasonToolCalls
	}

	emitStreamEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &result.Usage})
	emitStreamEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

// GenerateObject runs a plain non-streaming call and extracts the first JSON
// object from the text output. Anthropic has no response-format switch, so the
// prompt must instruct the model to answer with JSON only.
func (p *anthropicProvider) GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, Usage, error) {
	if p == nil {
		return nil, Usage{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, Usage{}, errors.New("missing model")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Usage{}, err
	}
	usage := anthropicUsage(msg.Usage)

	text := ""
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, usage, err
	}
	return raw, usage, nil
}

func anthropicUsage(u anthropic.Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		CachedInputTokens:   u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		OutputTokens:        u.OutputTokens,
	}
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		required, _ := toStringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicSystem collects system messages into system blocks. A cache TTL
// on a system message becomes a cache_control breakpoint on its last block.
func buildAnthropicSystem(messages []Message) []anthropic.TextBlockParam {
	out := make([]anthropic.TextBlockParam, 0, 2)
	for _, msg := range messages {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != "system" {
			continue
		}
		txt := strings.TrimSpace(msg.Text())
		if txt == "" {
			continue
		}
		block := anthropic.TextBlockParam{Text: txt}
		if ttl := cacheTTL(msg.CacheTTL); ttl != "" {
			block.CacheControl = anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTL(ttl)}
		}
		out = append(out, block)
	}
	return out
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == "system" {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, part := range msg.Content {
			switch strings.ToLower(strings.TrimSpace(part.Type)) {
			case "tool_call":
				callID := strings.TrimSpace(part.ToolCallID)
				name := strings.TrimSpace(part.ToolName)
				if callID == "" || name == "" {
					continue
				}
				args := json.RawMessage("{}")
				if len(part.ArgsJSON) > 0 && json.Valid(part.ArgsJSON) {
					args = part.ArgsJSON
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(callID, args, name))
			case "tool_result":
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				content := strings.TrimSpace(part.Text)
				if content == "" && len(part.ResultJSON) > 0 {
					content = string(part.ResultJSON)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(callID, content, false))
			case "reasoning":
				// Thinking blocks are not replayed; the provider rebuilds reasoning per turn.
			default:
				if txt := strings.TrimSpace(part.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if ttl := cacheTTL(msg.CacheTTL); ttl != "" {
			setAnthropicCacheControl(&blocks[len(blocks)-1], ttl)
		}
		if role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func setAnthropicCacheControl(block *anthropic.ContentBlockParamUnion, ttl string) {
	cc := anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTL(ttl)}
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cc
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cc
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cc
	}
}

func cacheTTL(raw string) string {
	switch strings.TrimSpace(raw) {
	case CacheTTLShort:
		return CacheTTLShort
	case CacheTTLLong:
		return CacheTTLLong
	default:
		return ""
	}
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return FinishReasonToolCalls
	case "end_turn", "stop_sequence":
		return FinishReasonStop
	case "max_tokens":
		return FinishReasonLength
	case "refusal":
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}

func emitStreamEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// extractJSONObject returns the first balanced top-level JSON object in text.
// Models sometimes wrap objects in prose or code fences.
func extractJSONObject(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty model output")
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.New("no json object in model output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, errors.New("invalid json object in model output")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, errors.New("unterminated json object in model output")
}
