package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memstore"
)

const (
	conversationMessageLimit = 17
	messageCharLimit         = 1250
	lastUserMessageCharLimit = 2000
	minUserTextLength        = 3
	extractorMaxOutputTokens = 4000
)

// ExtractedItem is one memory candidate proposed by the extractor model.
type ExtractedItem struct {
	Content      string `json:"content"`
	SupersedesID string `json:"supersedes_id,omitempty"`
}

// ExtractorOutput is the structured result of one extraction call. Nil
// slices mean the model proposed nothing for that group.
type ExtractorOutput struct {
	UserInstructions []ExtractedItem `json:"user_instructions"`
	UserProfile      []ExtractedItem `json:"user_profile"`
}

func (o *ExtractorOutput) empty() bool {
	return o == nil || (len(o.UserInstructions) == 0 && len(o.UserProfile) == 0)
}

const extractorOutputSchemaJSON = `{
	"type": "object",
	"properties": {
		"user_instructions": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"supersedes_id": {"type": ["string", "null"]}
				},
				"required": ["content"]
			}
		},
		"user_profile": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"supersedes_id": {"type": ["string", "null"]}
				},
				"required": ["content"]
			}
		}
	},
	"required": ["user_instructions", "user_profile"]
}`

var extractorOutputSchema = jsonschema.MustCompileString("extractor-output.json", extractorOutputSchemaJSON)

// Extractor sends existing memories plus the recent conversation to a cheap
// model and returns memory candidates to persist.
type Extractor struct {
	adapter llm.Provider
	modelID string
}

func NewExtractor(adapter llm.Provider, modelID string) *Extractor {
	return &Extractor{adapter: adapter, modelID: strings.TrimSpace(modelID)}
}

// Extract returns (nil, usage, nil) both for trivial conversations and for
// unparseable model output: extraction is best-effort and a bad response
// means "no memories this turn", not a failure.
func (e *Extractor) Extract(ctx context.Context, existing []memstore.Memory, conversation []chatstore.Message) (*ExtractorOutput, llm.Usage, error) {
	var usage llm.Usage
	if e == nil || e.adapter == nil {
		return nil, usage, fmt.Errorf("extractor not initialized")
	}
	if len(conversation) == 0 || len(lastUserText(conversation)) < minUserTextLength {
		return nil, usage, nil
	}

	req := llm.ObjectRequest{
		Model:           e.modelID,
		System:          extractionSystemPrompt,
		Messages:        buildExtractionMessages(existing, conversation),
		MaxOutputTokens: extractorMaxOutputTokens,
	}
	raw, usage, err := e.adapter.GenerateObject(ctx, req)
	if err != nil {
		return nil, usage, err
	}

	out, ok := parseExtractorOutput(raw)
	if !ok {
		return nil, usage, nil
	}
	return out, usage, nil
}

func parseExtractorOutput(raw json.RawMessage) (*ExtractorOutput, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	if err := extractorOutputSchema.Validate(generic); err != nil {
		return nil, false
	}
	var out ExtractorOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func buildExtractionMessages(existing []memstore.Memory, conversation []chatstore.Message) []llm.Message {
	recent := conversation
	if len(recent) > conversationMessageLimit {
		recent = recent[len(recent)-conversationMessageLimit:]
	}

	lastUserIdx := -1
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}

	out := make([]llm.Message, 0, len(recent)+1)
	for i, msg := range recent {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		limit := messageCharLimit
		if i == lastUserIdx {
			limit = lastUserMessageCharLimit
		}
		text := truncateMiddle(msg.Text(), limit)
		if text == "" {
			continue
		}
		out = append(out, llm.Message{
			Role:    msg.Role,
			Content: []llm.ContentPart{{Type: "text", Text: text}},
		})
	}
	out = append(out, llm.Message{
		Role:    "user",
		Content: []llm.ContentPart{{Type: "text", Text: renderMemoryMessage(existing)}},
	})
	return out
}

func lastUserText(conversation []chatstore.Message) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "user" {
			return strings.TrimSpace(conversation[i].Text())
		}
	}
	return ""
}

// truncateMiddle keeps the head and tail of s and elides the center once s
// exceeds max characters.
func truncateMiddle(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	const ellipsis = "..."
	if max <= len(ellipsis) {
		return s[:max]
	}
	keep := max - len(ellipsis)
	head := (keep + 1) / 2
	tail := keep - head
	return s[:head] + ellipsis + s[len(s)-tail:]
}

func renderMemoryMessage(existing []memstore.Memory) string {
	var instructions, facts []memstore.Memory
	for _, m := range existing {
		switch m.Category {
		case memstore.CategoryGlobalRule:
			instructions = append(instructions, m)
		case memstore.CategoryPersonalFact:
			facts = append(facts, m)
		}
	}

	group := func(b *strings.Builder, tag string, items []memstore.Memory) {
		b.WriteString("<" + tag + ">\n")
		if len(items) == 0 {
			b.WriteString("Empty\n")
		}
		for _, m := range items {
			fmt.Fprintf(b, "[id: %s] %s\n", m.MemoryID, m.Content)
		}
		b.WriteString("</" + tag + ">\n")
	}

	var b strings.Builder
	b.WriteString("Review the conversation and existing memories to extract personal facts about me (name, role, company, etc.) if I shared any.\n")
	b.WriteString("For instructions or preferences, only extract if I used permanence signals like \"always\", \"never\", \"from now on\", etc.\n")
	b.WriteString("If nothing qualifies, return null for both fields.\n\n")
	b.WriteString("<memories>\n")
	group(&b, "user_instructions", instructions)
	b.WriteString("\n")
	group(&b, "user_profile", facts)
	b.WriteString("</memories>")
	return b.String()
}

const extractionSystemPrompt = `# Instructions

You are a memory extractor assistant. Given a recent conversation between the user and the assistant and a list of existing user memories, you will extract new memories to be persisted.

The last user message will contain the current memory list extracted from previous conversations wrapped in a <memories> tag.

# Critical: Analyze the Full Conversation First

Before extracting anything, carefully read all previous user and assistant messages. The full conversation context determines whether something is a lasting preference or just a one-off request. Most conversations will NOT produce any memory changes, that is the expected default.

# Output Structure

Your output has two separate fields:

- user_instructions: directives that tell the agent how to behave in future conversations (e.g. "Always respond in French.", "Never use tables in your answers.").
- user_profile: factual statements about the user (e.g. "The user's name is Alex.", "The user works as a data analyst at Acme Corp.").

Each item has:

- content: the memory text.
- supersedes_id: if this memory replaces or updates an existing one, set this to the id of the old memory. Otherwise set it to null.

When supersedes_id is set, the old memory will be deleted and replaced by the new one. Use this when:

- The user corrects or updates a previously stored fact (e.g. changed role, changed company).
- The user revokes an instruction and replaces it with a new one.
- A new memory makes an existing one redundant or contradictory.

If the user explicitly revokes a memory and provides no replacement, extract a negation instruction (e.g. existing: "Always respond in French." -> new: "Do not respond in French unless asked.") with supersedes_id pointing to the old one.

# Extraction Rules

Default to NOT extracting. Most conversations will not produce any memory changes.

## User instructions

These require strong permanence signals, words like "always", "never", "from now on", "every time", "remember that I", "don't ever", "in general", etc.

Without such signals, assume the instruction applies only to the current conversation.

Extract ONLY if ALL of the following are true:

- The user's statement contains a clear permanence signal.
- It applies to all future conversations, not just this one.
- It wasn't already captured in the existing memory list.
- It would meaningfully change how the agent should behave going forward.

## User profile

These are inherently persistent and do NOT require permanence trigger words.

Extract when the user shares identity or background information such as: their name, role, job title, company, team, location, timezone, language, domain expertise, or similar personal details.

These are always worth remembering as long as they are not already in the existing memory list.

## Do NOT extract if:

- An instruction lacks clear intent for permanent remembrance. "use Python" is context-specific unless the user says "always use Python".
- The information is relevant only to this specific conversation's topic or question.
- The user is making a one-off request, giving temporary context, or reacting to something specific.
- It is an emotional reaction, pleasantry, or conversational filler.
- You are unsure whether the user intends it to be remembered permanently. When in doubt, do not extract.

# Content Guidelines

For instructions, write as a direct directive to the agent:

- Good: "Respond in French."
- Bad: "The user wants responses in French."

For the profile, write as a concise statement about the user:

- Good: "The user's name is Alex and they work as a data analyst at Acme Corp."

Always write memories in English.

# Default Output

Return both fields as null if nothing meaningful changed. This should be the most common outcome.`
