package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/usage"
)

const (
	turnMaxOutputTokens = 16000
	maxToolLoopSteps    = 40
	persistTimeout      = 10 * time.Second
)

// Manager drives one agent turn for one chat: building messages, running the
// tool loop against the provider adapter, streaming chunks, and persisting
// the assistant message as its final action.
type Manager struct {
	chat      chatstore.Chat
	handle    *llm.Handle
	registry  *tools.Registry
	deps      Deps
	onDispose func()

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	disposeOnce sync.Once
}

func newManager(chat chatstore.Chat, handle *llm.Handle, registry *tools.Registry, deps Deps, onDispose func()) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		chat:      chat,
		handle:    handle,
		registry:  registry,
		deps:      deps,
		onDispose: onDispose,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) Chat() chatstore.Chat { return m.chat }

func (m *Manager) ModelID() string { return m.handle.Selection.ModelID }

func (m *Manager) IsUserOwner(userID string) bool {
	return m.chat.UserID == strings.TrimSpace(userID)
}

// Stop signals cancellation. Safe to call repeatedly and after the turn has
// finished; the finish handler still persists whatever partial output exists.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(m.cancel)
}

func (m *Manager) dispose() {
	m.disposeOnce.Do(func() {
		if m.onDispose != nil {
			m.onDispose()
		}
	})
}

// Stream runs the turn and returns its chunk stream. The channel closes after
// the finish (or error) chunk once the assistant message has been persisted.
func (m *Manager) Stream(conversation []chatstore.Message, opts StreamOptions) <-chan Chunk {
	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		emit := func(c Chunk) {
			select {
			case out <- c:
			case <-time.After(5 * time.Second):
				// Slow consumer; drop rather than wedge the turn.
			}
		}

		for _, ev := range opts.Events {
			emit(Chunk{Type: ChunkEvent, EventName: ev.Name, EventData: ev.Data})
		}

		messageID, err := chatstore.NewMessageID()
		if err != nil {
			emit(Chunk{Type: ChunkError, Error: err.Error()})
			m.dispose()
			return
		}
		emit(Chunk{Type: ChunkMessageStart, MessageID: messageID})

		msgs := m.buildMessages(m.ctx, conversation, opts.Mentions)

		// Extraction is detached from this turn's cancellation and must not
		// delay the stream.
		m.scheduleMemoryExtraction(conversation)

		outcome := m.runLoop(m.ctx, msgs, emit)
		if outcome.errText != "" {
			emit(Chunk{Type: ChunkError, MessageID: messageID, Error: outcome.errText})
		}
		stopReason := outcome.finish
		if stopReason == llm.FinishReasonAborted {
			stopReason = StopReasonInterrupted
		}
		emit(Chunk{Type: ChunkFinish, MessageID: messageID, StopReason: stopReason, Usage: &outcome.usage})

		m.persist(messageID, stopReason, outcome)
		m.dispose()
	}()
	return out
}

// Generate is the non-streaming variant used by programmatic callers.
func (m *Manager) Generate(ctx context.Context, conversation []chatstore.Message) (RunResult, error) {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := mergeCancel(ctx, m.ctx)
	defer cancel()

	msgs := m.buildMessages(runCtx, conversation, nil)
	outcome := m.runLoop(runCtx, msgs, func(Chunk) {})
	m.dispose()

	sel := m.handle.Selection
	return RunResult{
		Text:         outcome.text,
		Usage:        outcome.usage,
		Cost:         llm.CostFor(sel.Provider, sel.ModelID, outcome.usage),
		FinishReason: outcome.finish,
		DurationMs:   time.Since(start).Milliseconds(),
		Steps:        outcome.steps,
	}, nil
}

// mergeCancel derives a context cancelled when either parent is.
func mergeCancel(a context.Context, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type turnOutcome struct {
	parts   []chatstore.Part
	usage   llm.Usage
	finish  string
	errText string
	text    string
	steps   []Step
}

func (m *Manager) runLoop(ctx context.Context, conv []llm.Message, emit func(Chunk)) turnOutcome {
	var outcome turnOutcome
	adapter := m.handle.Adapter
	defs := m.registry.Snapshot()

	for step := 0; step < maxToolLoopSteps; step++ {
		stepMsgs := m.addCache(pruneMessages(conv))
		req := llm.TurnRequest{
			Model:                m.handle.Selection.ModelID,
			Messages:             stepMsgs,
			Tools:                defs,
			MaxOutputTokens:      turnMaxOutputTokens,
			ThinkingBudgetTokens: m.handle.Model.ThinkingBudgetTokens,
		}

		result, err := adapter.StreamTurn(ctx, req, func(ev llm.StreamEvent) {
			switch ev.Type {
			case llm.StreamEventTextDelta:
				emit(Chunk{Type: ChunkTextDelta, Text: ev.Text})
			case llm.StreamEventReasoningDelta:
				emit(Chunk{Type: ChunkReasoningDelta, Text: ev.Text})
			}
		})
		outcome.usage = outcome.usage.Add(result.Usage)

		if err != nil {
			if ctx.Err() != nil {
				outcome.finish = llm.FinishReasonAborted
			} else {
				outcome.finish = llm.FinishReasonError
				outcome.errText = err.Error()
			}
			return outcome
		}

		assistant := assistantMessage(result)
		if len(assistant.Content) > 0 {
			conv = append(conv, assistant)
			outcome.parts = append(outcome.parts, toStoreParts(assistant.Content)...)
		}
		if result.Text != "" {
			if outcome.text != "" {
				outcome.text += "\n"
			}
			outcome.text += result.Text
		}

		if result.FinishReason != llm.FinishReasonToolCalls || len(result.ToolCalls) == 0 {
			outcome.finish = result.FinishReason
			return outcome
		}

		stepRecord := Step{ToolCalls: result.ToolCalls}
		resultParts, terminal := m.executeToolCalls(ctx, result.ToolCalls, emit, &stepRecord)
		outcome.steps = append(outcome.steps, stepRecord)

		conv = append(conv, llm.Message{Role: "user", Content: resultParts})
		outcome.parts = append(outcome.parts, toStoreParts(resultParts)...)

		if terminal {
			outcome.finish = llm.FinishReasonToolCalls
			return outcome
		}
		if ctx.Err() != nil {
			outcome.finish = llm.FinishReasonAborted
			return outcome
		}
	}

	outcome.finish = llm.FinishReasonLength
	return outcome
}

// executeToolCalls runs each call in order and returns the tool_result parts
// for the next step. A terminal tool call ends the loop after executing.
func (m *Manager) executeToolCalls(ctx context.Context, calls []llm.ToolCall, emit func(Chunk), stepRecord *Step) (parts []llm.ContentPart, terminal bool) {
	for _, call := range calls {
		argsJSON, _ := json.Marshal(call.Args)
		emit(Chunk{Type: ChunkToolCall, ToolCallID: call.ID, ToolName: call.Name, ArgsJSON: argsJSON})

		resultJSON := m.runTool(ctx, call)
		stepRecord.ToolResults = append(stepRecord.ToolResults, resultJSON)
		emit(Chunk{Type: ChunkToolResult, ToolCallID: call.ID, ToolName: call.Name, ResultJSON: resultJSON})

		parts = append(parts, llm.ContentPart{
			Type:       "tool_result",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ResultJSON: resultJSON,
		})
		if m.registry.IsTerminal(call.Name) {
			terminal = true
		}
	}
	return parts, terminal
}

func (m *Manager) runTool(ctx context.Context, call llm.ToolCall) json.RawMessage {
	handler, ok := m.registry.Get(call.Name)
	if !ok {
		return errorResult("unknown tool: " + call.Name)
	}
	value, err := handler.Execute(ctx, call.Args)
	if err != nil {
		return errorResult(err.Error())
	}
	b, err := json.Marshal(value)
	if err != nil {
		return errorResult(err.Error())
	}
	return b
}

func errorResult(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"error": msg})
	return b
}

// buildMessages converts the stored conversation into provider messages:
// skill expansion, system prompt with rules, connections, skills, and the
// memory block.
func (m *Manager) buildMessages(ctx context.Context, conversation []chatstore.Message, mentions []Mention) []llm.Message {
	conversation = m.expandSkills(conversation, mentions)

	memories := m.deps.Memories.SafeGetUserMemories(ctx, m.chat.UserID, m.chat.ProjectID, m.chat.ChatID)

	skillList := m.deps.Skills.List()
	system := buildSystemPrompt(promptInputs{
		Rules:       m.deps.Workspace.Rules(),
		Connections: m.deps.Workspace.Connections(),
		Skills:      skillList,
		Memories:    memories,
	})

	out := make([]llm.Message, 0, len(conversation)+1)
	out = append(out, llm.Message{
		Role:    "system",
		Content: []llm.ContentPart{{Type: "text", Text: system}},
	})
	for _, msg := range conversation {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		content := make([]llm.ContentPart, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			content = append(content, llm.ContentPart{
				Type:       p.Type,
				Text:       p.Text,
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				ArgsJSON:   p.ArgsJSON,
				ResultJSON: p.ResultJSON,
			})
		}
		out = append(out, llm.Message{Role: msg.Role, Content: content})
	}
	return out
}

// expandSkills replaces the last user message's text with the mentioned
// skill's full content.
func (m *Manager) expandSkills(conversation []chatstore.Message, mentions []Mention) []chatstore.Message {
	var skillMention *Mention
	for i := range mentions {
		if mentions[i].Trigger == "/" {
			skillMention = &mentions[i]
			break
		}
	}
	if skillMention == nil {
		return conversation
	}
	content, err := m.deps.Skills.GetContent(skillMention.ID)
	if err != nil {
		m.deps.Logger.Warn("skill expansion failed", "skill", skillMention.ID, "error", err)
		return conversation
	}

	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role != "user" {
			continue
		}
		updated := make([]chatstore.Message, len(conversation))
		copy(updated, conversation)
		msg := updated[i]
		parts := make([]chatstore.Part, len(msg.Parts))
		copy(parts, msg.Parts)
		for j := range parts {
			if parts[j].Type == "text" {
				parts[j].Text = content
				break
			}
		}
		msg.Parts = parts
		updated[i] = msg
		return updated
	}
	return conversation
}

func (m *Manager) scheduleMemoryExtraction(conversation []chatstore.Message) {
	m.deps.Memories.SafeScheduleExtraction(memory.ExtractionRequest{
		UserID:    m.chat.UserID,
		ProjectID: m.chat.ProjectID,
		ChatID:    m.chat.ChatID,
		Provider:  m.handle.Selection.Provider,
		Messages:  conversation,
	})
}

// pruneMessages drops reasoning before the last message, prior
// suggest_follow_ups calls and their results, and messages left empty.
func pruneMessages(msgs []llm.Message) []llm.Message {
	droppedCallIDs := map[string]bool{}
	out := make([]llm.Message, 0, len(msgs))

	for i, msg := range msgs {
		last := i == len(msgs)-1
		content := make([]llm.ContentPart, 0, len(msg.Content))
		for _, p := range msg.Content {
			switch {
			case p.Type == "reasoning" && !last:
				continue
			case p.Type == "tool_call" && p.ToolName == "suggest_follow_ups":
				droppedCallIDs[p.ToolCallID] = true
				continue
			case p.Type == "tool_result" && (p.ToolName == "suggest_follow_ups" || droppedCallIDs[p.ToolCallID]):
				continue
			}
			content = append(content, p)
		}
		if len(content) == 0 {
			continue
		}
		msg.Content = content
		out = append(out, msg)
	}
	return out
}

// addCache marks prompt-cache breakpoints for Anthropic models: system
// instructions for 1h, the conversation leaf for 5m. No-op elsewhere.
func (m *Manager) addCache(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 || m.handle.Selection.Provider != "anthropic" {
		return msgs
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	if out[0].Role == "system" {
		out[0].CacheTTL = llm.CacheTTLLong
	}
	if len(out) > 1 {
		out[len(out)-1].CacheTTL = llm.CacheTTLShort
	}
	return out
}

// persist writes the assistant message. This runs on its own context so a
// Stop call cannot interrupt the turn's last action.
func (m *Manager) persist(messageID string, stopReason string, outcome turnOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	sel := m.handle.Selection
	err := m.deps.Chats.UpsertMessage(ctx, chatstore.Message{
		MessageID:    messageID,
		ChatID:       m.chat.ChatID,
		Role:         "assistant",
		Provider:     sel.Provider,
		ModelID:      sel.ModelID,
		StopReason:   stopReason,
		ErrorMessage: outcome.errText,
		Usage: chatstore.TokenUsage{
			InputTokens:         outcome.usage.InputTokens,
			CachedInputTokens:   outcome.usage.CachedInputTokens,
			CacheCreationTokens: outcome.usage.CacheCreationTokens,
			OutputTokens:        outcome.usage.OutputTokens,
			ReasoningTokens:     outcome.usage.ReasoningTokens,
		},
		Parts: outcome.parts,
	})
	if err != nil {
		m.deps.Logger.Error("assistant message persistence failed", "chat_id", m.chat.ChatID, "error", err)
	}

	m.recordTurnUsage(ctx, outcome.usage)
}

func (m *Manager) recordTurnUsage(ctx context.Context, turnUsage llm.Usage) {
	if m.deps.Ledger == nil || turnUsage.TotalTokens() <= 0 {
		return
	}
	sel := m.handle.Selection
	err := m.deps.Ledger.Append(ctx, usage.Record{
		UserID:              m.chat.UserID,
		ProjectID:           m.chat.ProjectID,
		ChatID:              m.chat.ChatID,
		RecordType:          usage.RecordTypeChatTurn,
		Provider:            sel.Provider,
		ModelID:             sel.ModelID,
		InputTokens:         turnUsage.InputTokens,
		CachedInputTokens:   turnUsage.CachedInputTokens,
		CacheCreationTokens: turnUsage.CacheCreationTokens,
		OutputTokens:        turnUsage.OutputTokens,
		ReasoningTokens:     turnUsage.ReasoningTokens,
		CostUSD:             llm.CostFor(sel.Provider, sel.ModelID, turnUsage).TotalUSD,
	})
	if err != nil {
		m.deps.Logger.Warn("turn usage record failed", "error", err)
	}
}

func assistantMessage(result llm.TurnResult) llm.Message {
	var content []llm.ContentPart
	if result.Reasoning != "" {
		content = append(content, llm.ContentPart{Type: "reasoning", Text: result.Reasoning})
	}
	if result.Text != "" {
		content = append(content, llm.ContentPart{Type: "text", Text: result.Text})
	}
	for _, call := range result.ToolCalls {
		argsJSON, _ := json.Marshal(call.Args)
		content = append(content, llm.ContentPart{
			Type:       "tool_call",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ArgsJSON:   argsJSON,
		})
	}
	return llm.Message{Role: "assistant", Content: content}
}

func toStoreParts(content []llm.ContentPart) []chatstore.Part {
	out := make([]chatstore.Part, 0, len(content))
	for _, p := range content {
		out = append(out, chatstore.Part{
			Type:       p.Type,
			Text:       p.Text,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			ArgsJSON:   p.ArgsJSON,
			ResultJSON: p.ResultJSON,
		})
	}
	return out
}
