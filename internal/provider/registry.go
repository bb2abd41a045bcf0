package provider

import "github.com/HakAl/llmtap/internal/record"

// Registry holds the known providers in match order.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry with all known providers.
func NewRegistry() *Registry {
	return &Registry{
		providers: []Provider{
			&OpenAI{},
			&Anthropic{},
			&Gemini{},
		},
	}
}

// Providers returns the registered providers in match order.
func (r *Registry) Providers() []Provider {
	return r.providers
}

// Detect returns the provider for a given host, or nil if unknown.
func (r *Registry) Detect(host string) Provider {
	for _, p := range r.providers {
		if p.DetectHost(host) {
			return p
		}
	}
	return nil
}

// Get returns a provider by tag, or nil if not found.
// The custom tag has no dedicated rules and also returns nil.
func (r *Registry) Get(name record.Provider) Provider {
	for _, p := range r.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// TokenFields returns the usage mappings for a provider tag. Unknown and
// custom providers get every mapping the registry knows, followed by the
// Bedrock Converse names.
func (r *Registry) TokenFields(name record.Provider) []TokenFields {
	if p := r.Get(name); p != nil {
		return p.TokenFields()
	}
	var fields []TokenFields
	for _, p := range r.providers {
		fields = append(fields, p.TokenFields()...)
	}
	return append(fields, bedrockFields)
}

// UsageKeys returns the response fields that may carry usage for a provider tag.
func (r *Registry) UsageKeys(name record.Provider) []string {
	if p := r.Get(name); p != nil {
		return p.UsageKeys()
	}
	return []string{"usage", "usageMetadata"}
}

// bedrockFields covers Bedrock Converse usage, which reaches us through
// custom clients only.
var bedrockFields = TokenFields{Input: "inputTokens", Output: "outputTokens", Total: "totalTokens"}
