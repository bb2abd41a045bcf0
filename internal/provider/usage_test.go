package provider

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/HakAl/llmtap/internal/record"
)

func intp(n int) *int { return &n }

func fmtTokens(tk record.Tokens) string {
	show := func(p *int) string {
		if p == nil {
			return "nil"
		}
		return fmt.Sprint(*p)
	}
	return fmt.Sprintf("{in:%s out:%s total:%s}", show(tk.Input), show(tk.Output), show(tk.Total))
}

func TestExtractTokens(t *testing.T) {
	tests := []struct {
		name     string
		provider record.Provider
		usage    any
		want     record.Tokens
	}{
		{
			name:     "openai chat usage",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"prompt_tokens": 5.0, "completion_tokens": 7.0, "total_tokens": 12.0},
			want:     record.Tokens{Input: intp(5), Output: intp(7), Total: intp(12)},
		},
		{
			name:     "openai total computed",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"prompt_tokens": 5, "completion_tokens": 7},
			want:     record.Tokens{Input: intp(5), Output: intp(7), Total: intp(12)},
		},
		{
			name:     "openai responses api names",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"input_tokens": 3, "output_tokens": 4},
			want:     record.Tokens{Input: intp(3), Output: intp(4), Total: intp(7)},
		},
		{
			name:     "anthropic usage",
			provider: record.ProviderAnthropic,
			usage:    json.RawMessage(`{"input_tokens":10,"output_tokens":5}`),
			want:     record.Tokens{Input: intp(10), Output: intp(5), Total: intp(15)},
		},
		{
			name:     "anthropic cache tokens count as input",
			provider: record.ProviderAnthropic,
			usage:    map[string]any{"input_tokens": 10, "cache_read_input_tokens": 90, "output_tokens": 5},
			want:     record.Tokens{Input: intp(100), Output: intp(5), Total: intp(105)},
		},
		{
			name:     "gemini usage metadata",
			provider: record.ProviderGemini,
			usage:    map[string]any{"promptTokenCount": 8.0, "candidatesTokenCount": 2.0, "totalTokenCount": 11.0},
			want:     record.Tokens{Input: intp(8), Output: intp(2), Total: intp(11)},
		},
		{
			name:     "reported total is kept even when inconsistent",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 9},
			want:     record.Tokens{Input: intp(1), Output: intp(1), Total: intp(9)},
		},
		{
			name:     "output only is never completed by subtraction",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"completion_tokens": 4, "total_tokens": 10},
			want:     record.Tokens{Output: intp(4), Total: intp(10)},
		},
		{
			name:     "custom tries every mapping",
			provider: record.ProviderCustom,
			usage:    map[string]any{"inputTokens": 2, "outputTokens": 3},
			want:     record.Tokens{Input: intp(2), Output: intp(3), Total: intp(5)},
		},
		{
			name:     "non numeric values are ignored",
			provider: record.ProviderOpenAI,
			usage:    map[string]any{"prompt_tokens": "5"},
			want:     record.Tokens{},
		},
		{
			name:     "nil usage",
			provider: record.ProviderOpenAI,
			want:     record.Tokens{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTokens(tt.provider, tt.usage); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Got = %s, want %s", fmtTokens(got), fmtTokens(tt.want))
			}
		})
	}
}

func TestExtractTokens_Idempotent(t *testing.T) {
	usage := map[string]any{"input_tokens": 10, "output_tokens": 5}

	first := ExtractTokens(record.ProviderAnthropic, usage)
	second := ExtractTokens(record.ProviderAnthropic, usage)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second call = %s, first %s", fmtTokens(second), fmtTokens(first))
	}
	if len(usage) != 2 {
		t.Errorf("usage input was mutated: %v", usage)
	}
}

func TestExtractUsage(t *testing.T) {
	resp := map[string]any{
		"model": "gpt-4",
		"usage": map[string]any{"prompt_tokens": 1.0},
	}
	usage, ok := ExtractUsage(record.ProviderOpenAI, resp)
	if !ok || usage["prompt_tokens"] != 1.0 {
		t.Errorf("ExtractUsage(openai) = %v, %v", usage, ok)
	}

	gemini := map[string]any{"usageMetadata": map[string]any{"promptTokenCount": 4.0}}
	if _, ok := ExtractUsage(record.ProviderOpenAI, gemini); ok {
		t.Error("openai rules should not read usageMetadata")
	}
	if _, ok := ExtractUsage(record.ProviderCustom, gemini); !ok {
		t.Error("custom rules should read usageMetadata")
	}
	if _, ok := ExtractUsage(record.ProviderOpenAI, nil); ok {
		t.Error("nil response should have no usage")
	}
}

func TestExtractModel(t *testing.T) {
	tests := []struct {
		name     string
		request  any
		response any
		want     string
	}{
		{"request wins", map[string]any{"model": "gpt-4"}, map[string]any{"model": "gpt-4-0613"}, "gpt-4"},
		{"response model", map[string]any{}, map[string]any{"model": "claude-3-opus"}, "claude-3-opus"},
		{"gemini model version", nil, map[string]any{"modelVersion": "gemini-1.5-flash-002"}, "gemini-1.5-flash-002"},
		{"empty request model ignored", map[string]any{"model": ""}, map[string]any{"model": "x"}, "x"},
		{"placeholder", nil, nil, record.UnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractModel(tt.request, tt.response, record.ProviderOpenAI); got != tt.want {
				t.Errorf("Got = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndToEnd_GPTRequest(t *testing.T) {
	req := map[string]any{"model": "gpt-4"}
	resp := map[string]any{"usage": map[string]any{"prompt_tokens": 5.0, "completion_tokens": 7.0}}

	p := NewClassifier(nil).Classify(req, nil, "")
	if p != record.ProviderOpenAI {
		t.Fatalf("Classify() = %v, want openai", p)
	}

	usage, ok := ExtractUsage(p, resp)
	if !ok {
		t.Fatal("ExtractUsage() found no usage")
	}
	want := record.Tokens{Input: intp(5), Output: intp(7), Total: intp(12)}
	if got := ExtractTokens(p, usage); !reflect.DeepEqual(got, want) {
		t.Errorf("Got = %s, want %s", fmtTokens(got), fmtTokens(want))
	}
	if got := ExtractModel(req, resp, p); got != "gpt-4" {
		t.Errorf("ExtractModel() = %q, want gpt-4", got)
	}
}
