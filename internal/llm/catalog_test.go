package llm

import (
	"math"
	"testing"
)

func TestCatalogEveryProviderHasDefaultModel(t *testing.T) {
	t.Parallel()
	for _, id := range ProviderIDs() {
		if DefaultModelID(id) == "" {
			t.Fatalf("provider %q has no default model", id)
		}
		if ExtractorModelID(id) == "" {
			t.Fatalf("provider %q has no extractor model", id)
		}
	}
}

func TestCatalogProviderOrderIsStable(t *testing.T) {
	t.Parallel()
	ids := ProviderIDs()
	if len(ids) == 0 || ids[0] != "anthropic" {
		t.Fatalf("anthropic must lead the fallback order, got %v", ids)
	}
	for _, id := range ids {
		if _, ok := LookupProvider(id); !ok {
			t.Fatalf("ordered provider %q missing from catalog", id)
		}
	}
}

func TestLookupModel(t *testing.T) {
	t.Parallel()
	m, ok := LookupModel("anthropic", "claude-haiku-4-5")
	if !ok {
		t.Fatal("expected model")
	}
	if m.Name == "" || m.ContextWindow <= 0 {
		t.Fatalf("incomplete model info: %+v", m)
	}
	if _, ok := LookupModel("anthropic", "nope"); ok {
		t.Fatal("unexpected model hit")
	}
}

func TestCostFor(t *testing.T) {
	t.Parallel()
	usage := Usage{
		InputTokens:         1_000_000,
		CachedInputTokens:   1_000_000,
		CacheCreationTokens: 1_000_000,
		OutputTokens:        1_000_000,
	}
	cost := CostFor("anthropic", "claude-sonnet-4-6", usage)
	wantIn := 3.0 + 0.3 + 3.75
	if math.Abs(cost.InputUSD-wantIn) > 1e-9 {
		t.Fatalf("input cost: got %v want %v", cost.InputUSD, wantIn)
	}
	if math.Abs(cost.OutputUSD-15.0) > 1e-9 {
		t.Fatalf("output cost: got %v", cost.OutputUSD)
	}
	if math.Abs(cost.TotalUSD-(wantIn+15.0)) > 1e-9 {
		t.Fatalf("total cost: got %v", cost.TotalUSD)
	}
}

func TestCostForUnknownModelIsZero(t *testing.T) {
	t.Parallel()
	cost := CostFor("anthropic", "nope", Usage{InputTokens: 100})
	if cost.TotalUSD != 0 {
		t.Fatalf("expected zero cost, got %+v", cost)
	}
}

func TestUsageTotalAndAdd(t *testing.T) {
	t.Parallel()
	a := Usage{InputTokens: 10, CachedInputTokens: 5, CacheCreationTokens: 2, OutputTokens: 3, ReasoningTokens: 1}
	if a.TotalTokens() != 20 {
		t.Fatalf("TotalTokens: got %d", a.TotalTokens())
	}
	sum := a.Add(Usage{InputTokens: 1, OutputTokens: 1})
	if sum.InputTokens != 11 || sum.OutputTokens != 4 {
		t.Fatalf("Add: got %+v", sum)
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "prose", in: `Here you go: {"a":{"b":"}"}} trailing`, want: `{"a":{"b":"}"}}`},
		{name: "escaped quote", in: `{"a":"\"}"}`, want: `{"a":"\"}"}`},
		{name: "empty", in: "   ", wantErr: true},
		{name: "no object", in: "null", wantErr: true},
		{name: "unterminated", in: `{"a":1`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := extractJSONObject(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", string(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("extractJSONObject: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q want %q", string(got), tc.want)
			}
		})
	}
}
