package llm

import (
	"strings"
)

// ProviderType selects which native adapter serves a provider.
type ProviderType string

const (
	ProviderTypeAnthropic        ProviderType = "anthropic"
	ProviderTypeOpenAI           ProviderType = "openai"
	ProviderTypeOpenAICompatible ProviderType = "openai_compatible"
)

// CostPerM is the price in USD per million tokens.
type CostPerM struct {
	InputNoCache    float64
	InputCacheRead  float64
	InputCacheWrite float64
	Output          float64
}

type ModelInfo struct {
	ID            string
	Name          string
	Default       bool
	ContextWindow int

	// ThinkingBudgetTokens enables extended thinking when > 0 (Anthropic only).
	ThinkingBudgetTokens int

	CostPerM CostPerM
}

// ProviderInfo is the static configuration for one supported provider.
//
// Treated as immutable after process start; nothing writes to the catalog.
type ProviderInfo struct {
	ID   string
	Type ProviderType

	APIKeyEnv  string
	BaseURLEnv string

	// DefaultBaseURL applies to openai_compatible providers when no override is set.
	DefaultBaseURL string

	// RequiresAPIKey is false for local providers (ollama).
	RequiresAPIKey bool

	// ExtractorModelID is the cheap model used for background memory extraction.
	ExtractorModelID string

	Models []ModelInfo
}

// providerOrder fixes the fallback order used by env-based resolution.
var providerOrder = []string{"anthropic", "openai", "mistral", "openrouter", "ollama"}

var providerCatalog = map[string]ProviderInfo{
	"anthropic": {
		ID:               "anthropic",
		Type:             ProviderTypeAnthropic,
		APIKeyEnv:        "ANTHROPIC_API_KEY",
		BaseURLEnv:       "ANTHROPIC_BASE_URL",
		RequiresAPIKey:   true,
		ExtractorModelID: "claude-haiku-4-5",
		Models: []ModelInfo{
			{
				ID:                   "claude-sonnet-4-6",
				Name:                 "Claude Sonnet 4.6",
				Default:              true,
				ContextWindow:        200_000,
				ThinkingBudgetTokens: 12_000,
				CostPerM:             CostPerM{InputNoCache: 3, InputCacheRead: 0.3, InputCacheWrite: 3.75, Output: 15},
			},
			{
				ID:                   "claude-sonnet-4-5",
				Name:                 "Claude Sonnet 4.5",
				ContextWindow:        200_000,
				ThinkingBudgetTokens: 12_000,
				CostPerM:             CostPerM{InputNoCache: 3, InputCacheRead: 0.3, InputCacheWrite: 3.75, Output: 15},
			},
			{
				ID:                   "claude-opus-4-6",
				Name:                 "Claude Opus 4.6",
				ContextWindow:        200_000,
				ThinkingBudgetTokens: 12_000,
				CostPerM:             CostPerM{InputNoCache: 5, InputCacheRead: 0.5, InputCacheWrite: 6.25, Output: 25},
			},
			{
				ID:            "claude-haiku-4-5",
				Name:          "Claude Haiku 4.5",
				ContextWindow: 200_000,
				CostPerM:      CostPerM{InputNoCache: 1, InputCacheRead: 0.1, InputCacheWrite: 1.25, Output: 5},
			},
		},
	},
	"openai": {
		ID:               "openai",
		Type:             ProviderTypeOpenAI,
		APIKeyEnv:        "OPENAI_API_KEY",
		BaseURLEnv:       "OPENAI_BASE_URL",
		RequiresAPIKey:   true,
		ExtractorModelID: "gpt-4.1-mini",
		Models: []ModelInfo{
			{
				ID:            "gpt-5.2",
				Name:          "GPT 5.2",
				Default:       true,
				ContextWindow: 400_000,
				CostPerM:      CostPerM{InputNoCache: 1.75, InputCacheRead: 0.175, Output: 14},
			},
			{
				ID:            "gpt-5-mini",
				Name:          "GPT 5 mini",
				ContextWindow: 400_000,
				CostPerM:      CostPerM{InputNoCache: 0.25, InputCacheRead: 0.025, Output: 2},
			},
			{
				ID:            "gpt-4.1",
				Name:          "GPT 4.1",
				ContextWindow: 1_000_000,
				CostPerM:      CostPerM{InputNoCache: 3, InputCacheRead: 0.75, Output: 12},
			},
		},
	},
	"mistral": {
		ID:               "mistral",
		Type:             ProviderTypeOpenAICompatible,
		APIKeyEnv:        "MISTRAL_API_KEY",
		BaseURLEnv:       "MISTRAL_BASE_URL",
		DefaultBaseURL:   "https://api.mistral.ai/v1",
		RequiresAPIKey:   true,
		ExtractorModelID: "mistral-medium-latest",
		Models: []ModelInfo{
			{
				ID:            "mistral-medium-latest",
				Name:          "Mistral Medium 3.1",
				Default:       true,
				ContextWindow: 128_000,
				CostPerM:      CostPerM{InputNoCache: 0.4, InputCacheRead: 0.4, Output: 2},
			},
			{
				ID:            "mistral-large-latest",
				Name:          "Mistral Large 3",
				ContextWindow: 256_000,
				CostPerM:      CostPerM{InputNoCache: 0.5, InputCacheRead: 0.5, Output: 1.5},
			},
		},
	},
	"openrouter": {
		ID:               "openrouter",
		Type:             ProviderTypeOpenAICompatible,
		APIKeyEnv:        "OPENROUTER_API_KEY",
		BaseURLEnv:       "OPENROUTER_BASE_URL",
		DefaultBaseURL:   "https://openrouter.ai/api/v1",
		RequiresAPIKey:   true,
		ExtractorModelID: "anthropic/claude-haiku-4.5",
		Models: []ModelInfo{
			{
				ID:            "moonshotai/kimi-k2.5",
				Name:          "Kimi K2.5",
				Default:       true,
				ContextWindow: 262_144,
				CostPerM:      CostPerM{InputNoCache: 0.5, InputCacheRead: 0.8, Output: 2.25},
			},
			{
				ID:            "deepseek/deepseek-v3.2",
				Name:          "DeepSeek V3.2",
				ContextWindow: 163_800,
				CostPerM:      CostPerM{InputNoCache: 0.26, InputCacheRead: 0.15, Output: 0.4},
			},
			{
				ID:            "anthropic/claude-sonnet-4.5",
				Name:          "Claude Sonnet 4.5 (OpenRouter)",
				ContextWindow: 1_000_000,
				CostPerM:      CostPerM{InputNoCache: 3, InputCacheRead: 0.3, InputCacheWrite: 3.75, Output: 15},
			},
		},
	},
	"ollama": {
		ID:               "ollama",
		Type:             ProviderTypeOpenAICompatible,
		APIKeyEnv:        "OLLAMA_API_KEY",
		BaseURLEnv:       "OLLAMA_BASE_URL",
		DefaultBaseURL:   "http://127.0.0.1:11434/v1",
		RequiresAPIKey:   false,
		ExtractorModelID: "llama3.2:3b",
		Models: []ModelInfo{
			{ID: "qwen3:8b", Name: "Qwen 3 8B", Default: true},
			{ID: "llama3.2:3b", Name: "Llama 3.2 3B"},
			{ID: "mistral:7b", Name: "Mistral 7B"},
		},
	},
}

// ProviderIDs returns supported provider ids in fallback order.
func ProviderIDs() []string {
	out := make([]string, len(providerOrder))
	copy(out, providerOrder)
	return out
}

func LookupProvider(providerID string) (ProviderInfo, bool) {
	info, ok := providerCatalog[strings.TrimSpace(providerID)]
	return info, ok
}

// DefaultModelID returns the catalog default model for the provider, falling
// back to the first listed model.
func DefaultModelID(providerID string) string {
	info, ok := LookupProvider(providerID)
	if !ok || len(info.Models) == 0 {
		return ""
	}
	for _, m := range info.Models {
		if m.Default {
			return m.ID
		}
	}
	return info.Models[0].ID
}

func ExtractorModelID(providerID string) string {
	info, ok := LookupProvider(providerID)
	if !ok {
		return ""
	}
	return info.ExtractorModelID
}

func LookupModel(providerID string, modelID string) (ModelInfo, bool) {
	info, ok := LookupProvider(providerID)
	if !ok {
		return ModelInfo{}, false
	}
	modelID = strings.TrimSpace(modelID)
	for _, m := range info.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Cost is the USD cost breakdown for one call.
type Cost struct {
	InputUSD  float64 `json:"input_usd"`
	OutputUSD float64 `json:"output_usd"`
	TotalUSD  float64 `json:"total_usd"`
}

// CostFor prices the usage against the catalog. Unknown models cost zero.
func CostFor(providerID string, modelID string, usage Usage) Cost {
	m, ok := LookupModel(providerID, modelID)
	if !ok {
		return Cost{}
	}
	perTokenIn := m.CostPerM.InputNoCache / 1_000_000
	perTokenCacheRead := m.CostPerM.InputCacheRead / 1_000_000
	perTokenCacheWrite := m.CostPerM.InputCacheWrite / 1_000_000
	perTokenOut := m.CostPerM.Output / 1_000_000

	in := float64(usage.InputTokens)*perTokenIn +
		float64(usage.CachedInputTokens)*perTokenCacheRead +
		float64(usage.CacheCreationTokens)*perTokenCacheWrite
	out := float64(usage.OutputTokens) * perTokenOut
	return Cost{InputUSD: in, OutputUSD: out, TotalUSD: in + out}
}
