package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	client           openai.Client
	strictToolSchema bool
}

func newOpenAIProvider(apiKey string, baseURL string) *openAIProvider {
	return &openAIProvider{client: newOpenAIClient(apiKey, baseURL), strictToolSchema: true}
}

// newOpenAICompatibleProvider serves gateways that speak the OpenAI API
// (mistral, openrouter, ollama). Strict function schemas vary widely across
// gateways, so strict mode stays off.
func newOpenAICompatibleProvider(apiKey string, baseURL string) *openAIProvider {
	return &openAIProvider{client: newOpenAIClient(apiKey, baseURL), strictToolSchema: false}
}

func newOpenAIClient(apiKey string, baseURL string) openai.Client {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return openai.NewClient(opts...)
}

func (p *openAIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	inputItems, instructions := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}
	if tools := buildOpenAITools(req.Tools, p.strictToolSchema); len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var textBuf strings.Builder
	var completed oresponses.Response
	gotCompleted := false

	type partialCall struct {
		ItemID      string
		CallID      string
		Name        string
		OutputIndex int64

		Started bool
		Ended   bool
		ArgsRaw strings.Builder
		Args    map[string]any
	}
	partials := map[string]*partialCall{} // item_id -> partial

	emitStart := func(pc *partialCall) {
		if pc == nil || pc.Started {
			return
		}
		pc.Started = true
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: pc.CallID, Name: pc.Name}})
	}
	emitDelta := func(pc *partialCall) {
		if pc == nil || pc.CallID == "" || pc.Name == "" {
			return
		}
		emitStart(pc)
		raw := strings.TrimSpace(pc.ArgsRaw.String())
		var args map[string]any
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &args) // Streaming deltas may be incomplete; ignore parse failures.
		}
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: pc.CallID, Name: pc.Name, ArgumentsJSON: raw, Arguments: cloneArgs(args)}})
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
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: pc.CallID, Name: pc.Name, Arguments: cloneArgs(args)}})
	}

	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{ItemID: itemID, CallID: itemID, OutputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emitStreamEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta})

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if pc.OutputIndex < 0 {
				pc.OutputIndex = event.OutputIndex
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			emitStart(pc)
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.ArgsRaw.WriteString(raw)
				emitDelta(pc)
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			pc.ArgsRaw.WriteString(delta)
			emitDelta(pc)

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.ArgsRaw.Reset()
				pc.ArgsRaw.WriteString(raw)
			}
			emitEnd(pc, pc.ArgsRaw.String())

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				pc.ArgsRaw.WriteString(raw)
			}
			emitEnd(pc, pc.ArgsRaw.String())

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		return TurnResult{}, errors.New("missing response.completed event")
	}

	result := TurnResult{
		FinishReason: mapOpenAIStatus(completed.Status),
		Text:         strings.TrimSpace(textBuf.String()),
		Usage:        openAIUsage(completed.Usage),
	}

	type orderedToolCall struct {
		OutputIndex int64
		Call        ToolCall
	}
	seen := map[string]struct{}{}
	ordered := make([]orderedToolCall, 0, len(partials))
	for _, pc := range partials {
		if pc == nil || !pc.Ended {
			continue
		}
		id := strings.TrimSpace(pc.CallID)
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, orderedToolCall{
			OutputIndex: pc.OutputIndex,
			Call:        ToolCall{ID: id, Name: strings.TrimSpace(pc.Name), Args: cloneArgs(pc.Args)},
		})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := ordered[i].OutputIndex, ordered[j].OutputIndex
		if oi < 0 && oj >= 0 {
			return false
		}
		if oj < 0 && oi >= 0 {
			return true
		}
		if oi == oj {
			return ordered[i].Call.ID < ordered[j].Call.ID
		}
		return oi < oj
	})
	for _, it := range ordered {
		result.ToolCalls = append(result.ToolCalls, it.Call)
	}

	// Fallback: if stream events miss tool calls, recover them from completed.output.
	for _, item := range completed.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = fmt.Sprintf("openai_call_%d", len(result.ToolCalls)+1)
		}
		if _, ok := seen[callID]; ok {
			continue
		}
		rawArgs := strings.TrimSpace(item.Arguments)
		args := map[string]any{}
		if rawArgs != "" {
			_ = json.Unmarshal([]byte(rawArgs), &args)
		}
		call := ToolCall{ID: callID, Name: strings.TrimSpace(item.Name), Args: args}
		result.ToolCalls = append(result.ToolCalls, call)
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name}})
		emitStreamEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, Arguments: cloneArgs(call.Args)}})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishReasonToolCalls
	}

	emitStreamEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &result.Usage})
	emitStreamEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

// GenerateObject runs a non-streaming call with json_object output.
func (p *openAIProvider) GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, Usage, error) {
	if p == nil {
		return nil, Usage{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, Usage{}, errors.New("missing model")
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	obj := oshared.NewResponseFormatJSONObjectParam()
	params.Text = oresponses.ResponseTextConfigParam{
		Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
	}

	messages := req.Messages
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	inputItems, instructions := buildOpenAIInput(messages)
	if len(inputItems) == 0 {
		return nil, Usage{}, errors.New("empty request")
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if instructions != "" {
		if existing := params.Instructions.Or(""); existing != "" {
			params.Instructions = openai.String(existing + "\n\n" + instructions)
		} else {
			params.Instructions = openai.String(instructions)
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, Usage{}, err
	}
	usage := openAIUsage(resp.Usage)
	raw, err := extractJSONObject(responseOutputText(*resp))
	if err != nil {
		return nil, usage, err
	}
	return raw, usage, nil
}

func openAIUsage(u oresponses.ResponseUsage) Usage {
	return Usage{
		InputTokens:       u.InputTokens - u.InputTokensDetails.CachedTokens,
		CachedInputTokens: u.InputTokensDetails.CachedTokens,
		OutputTokens:      u.OutputTokens,
		ReasoningTokens:   u.OutputTokensDetails.ReasoningTokens,
	}
}

func responseOutputText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

func buildOpenAITools(defs []ToolDef, strict bool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(strings.TrimSpace(def.Name), schema, strict))
	}
	return out
}

// buildOpenAIInput converts normalized messages into Responses API input items.
// System messages become instructions; cache TTL marks are ignored here since
// OpenAI caches prompts implicitly.
func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	assistantMsgSeq := 0
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			if txt := strings.TrimSpace(msg.Text()); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case "assistant":
			outputContent := make([]oresponses.ResponseOutputMessageContentUnionParam, 0, len(msg.Content))
			flushOutputMessage := func() {
				if len(outputContent) == 0 {
					return
				}
				assistantMsgSeq++
				// Output message IDs must start with "msg_".
				msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					outputContent,
					msgID,
					oresponses.ResponseOutputMessageStatusCompleted,
				))
				outputContent = outputContent[:0]
			}
			for _, part := range msg.Content {
				switch strings.ToLower(strings.TrimSpace(part.Type)) {
				case "text":
					if txt := strings.TrimSpace(part.Text); txt != "" {
						outputContent = append(outputContent, oresponses.ResponseOutputMessageContentUnionParam{
							OfOutputText: &oresponses.ResponseOutputTextParam{
								Text:        txt,
								Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
							},
						})
					}
				case "tool_call":
					flushOutputMessage()
					callID := strings.TrimSpace(part.ToolCallID)
					name := strings.TrimSpace(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					argsRaw := "{}"
					if len(part.ArgsJSON) > 0 && json.Valid(part.ArgsJSON) {
						argsRaw = string(part.ArgsJSON)
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				}
			}
			flushOutputMessage()
		default:
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Content))
			flushMessage := func() {
				if len(content) == 0 {
					return
				}
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
				content = content[:0]
			}
			for _, part := range msg.Content {
				switch strings.ToLower(strings.TrimSpace(part.Type)) {
				case "tool_result":
					flushMessage()
					callID := strings.TrimSpace(part.ToolCallID)
					if callID == "" {
						continue
					}
					output := strings.TrimSpace(part.Text)
					if output == "" && len(part.ResultJSON) > 0 {
						output = string(part.ResultJSON)
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
				case "text":
					if txt := strings.TrimSpace(part.Text); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
						})
					}
				}
			}
			flushMessage()
		}
	}
	return items, instructions
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return FinishReasonStop
	case "incomplete":
		return FinishReasonLength
	case "failed", "cancelled":
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}
