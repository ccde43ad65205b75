package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNoModelConfig means neither a project-level provider config nor an
	// environment API key exists for any supported provider.
	ErrNoModelConfig = errors.New("no model config found")

	// ErrModelNotResolved means an explicit selection named a provider that has
	// no usable credentials.
	ErrModelNotResolved = errors.New("the selected model could not be resolved")
)

// Selection names a (provider, model) pair.
type Selection struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

// ProviderConfig is a project-level provider configuration entry.
type ProviderConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Handle is an invocable model: a resolved selection bound to a provider adapter.
type Handle struct {
	Selection Selection
	Model     ModelInfo
	Adapter   Provider
}

// Resolver resolves selections and provider configs into model handles.
type Resolver struct {
	lookupEnv func(string) (string, bool)
}

type ResolverOptions struct {
	// LookupEnv overrides environment lookup. Intended for tests.
	LookupEnv func(string) (string, bool)
}

func NewResolver(opts ResolverOptions) *Resolver {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Resolver{lookupEnv: lookup}
}

// ResolveSelection picks the effective (provider, model):
// explicit selection, else the first project-configured provider with its
// catalog default model, else the first env-configured provider.
func (r *Resolver) ResolveSelection(configs []ProviderConfig, selection *Selection) (Selection, error) {
	if r == nil {
		return Selection{}, errors.New("nil resolver")
	}
	if selection != nil {
		sel := Selection{Provider: strings.TrimSpace(selection.Provider), ModelID: strings.TrimSpace(selection.ModelID)}
		if sel.Provider == "" {
			return Selection{}, errors.New("missing provider")
		}
		if sel.ModelID == "" {
			sel.ModelID = DefaultModelID(sel.Provider)
		}
		return sel, nil
	}

	for _, cfg := range configs {
		provider := strings.TrimSpace(cfg.Provider)
		if _, ok := LookupProvider(provider); !ok {
			continue
		}
		return Selection{Provider: provider, ModelID: DefaultModelID(provider)}, nil
	}

	for _, provider := range ProviderIDs() {
		if r.envConfigured(provider) {
			return Selection{Provider: provider, ModelID: DefaultModelID(provider)}, nil
		}
	}

	return Selection{}, ErrNoModelConfig
}

func (r *Resolver) envConfigured(providerID string) bool {
	info, ok := LookupProvider(providerID)
	if !ok {
		return false
	}
	if !info.RequiresAPIKey {
		// Local providers are only picked up when their base URL is set explicitly.
		v, ok := r.lookupEnv(info.BaseURLEnv)
		return ok && strings.TrimSpace(v) != ""
	}
	v, ok := r.lookupEnv(info.APIKeyEnv)
	return ok && strings.TrimSpace(v) != ""
}

// Resolve binds a selection to credentials and an adapter.
func (r *Resolver) Resolve(configs []ProviderConfig, selection Selection) (*Handle, error) {
	if r == nil {
		return nil, errors.New("nil resolver")
	}
	provider := strings.TrimSpace(selection.Provider)
	modelID := strings.TrimSpace(selection.ModelID)
	if provider == "" || modelID == "" {
		return nil, errors.New("invalid selection")
	}
	info, ok := LookupProvider(provider)
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: %w", provider, ErrModelNotResolved)
	}

	apiKey, baseURL := r.settingsFor(info, configs)
	if info.RequiresAPIKey && apiKey == "" {
		return nil, fmt.Errorf("provider %q has no api key: %w", provider, ErrModelNotResolved)
	}

	adapter, err := newAdapter(info, apiKey, baseURL)
	if err != nil {
		return nil, err
	}

	model, _ := LookupModel(provider, modelID)
	return &Handle{
		Selection: Selection{Provider: provider, ModelID: modelID},
		Model:     model,
		Adapter:   adapter,
	}, nil
}

// ResolveExtractor binds the provider's cheap extractor model.
func (r *Resolver) ResolveExtractor(configs []ProviderConfig, providerID string) (*Handle, error) {
	modelID := ExtractorModelID(providerID)
	if modelID == "" {
		return nil, fmt.Errorf("unsupported provider %q: %w", providerID, ErrModelNotResolved)
	}
	return r.Resolve(configs, Selection{Provider: providerID, ModelID: modelID})
}

func (r *Resolver) settingsFor(info ProviderInfo, configs []ProviderConfig) (apiKey string, baseURL string) {
	for _, cfg := range configs {
		if strings.TrimSpace(cfg.Provider) != info.ID {
			continue
		}
		apiKey = strings.TrimSpace(cfg.APIKey)
		baseURL = strings.TrimSpace(cfg.BaseURL)
		break
	}
	if apiKey == "" {
		if v, ok := r.lookupEnv(info.APIKeyEnv); ok {
			apiKey = strings.TrimSpace(v)
		}
	}
	if baseURL == "" {
		if v, ok := r.lookupEnv(info.BaseURLEnv); ok {
			baseURL = strings.TrimSpace(v)
		}
	}
	if baseURL == "" {
		baseURL = info.DefaultBaseURL
	}
	return apiKey, baseURL
}

func newAdapter(info ProviderInfo, apiKey string, baseURL string) (Provider, error) {
	switch info.Type {
	case ProviderTypeAnthropic:
		return newAnthropicProvider(apiKey, baseURL), nil
	case ProviderTypeOpenAI:
		return newOpenAIProvider(apiKey, baseURL), nil
	case ProviderTypeOpenAICompatible:
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("provider %q requires a base url", info.ID)
		}
		return newOpenAICompatibleProvider(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", info.Type)
	}
}
