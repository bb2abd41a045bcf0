package provider

import (
	"strings"

	"github.com/HakAl/llmtap/internal/record"
)

// Anthropic implements Provider for Anthropic's Claude API.
type Anthropic struct{}

// Name returns "anthropic".
func (a *Anthropic) Name() record.Provider {
	return record.ProviderAnthropic
}

// MatchModel matches any model name containing "claude".
func (a *Anthropic) MatchModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// MatchIdentity matches client types from Anthropic SDKs.
func (a *Anthropic) MatchIdentity(typeName string) bool {
	name := strings.ToLower(typeName)
	return strings.Contains(name, "anthropic") || strings.Contains(name, "claude")
}

// DetectHost returns true for Anthropic API hosts.
func (a *Anthropic) DetectHost(host string) bool {
	return HostIn(host, "anthropic.com", "claude.ai")
}

// Capabilities returns the messages style method names.
func (a *Anthropic) Capabilities() []string {
	return []string{"CreateMessage", "CreateMessageStream", "Messages"}
}

// UsageKeys returns "usage".
func (a *Anthropic) UsageKeys() []string {
	return []string{"usage"}
}

// TokenFields maps Messages API usage. Anthropic never reports a total, and
// reports prompt-cache reads and writes separately from input_tokens.
func (a *Anthropic) TokenFields() []TokenFields {
	return []TokenFields{
		{
			Input:      "input_tokens",
			Output:     "output_tokens",
			InputExtra: []string{"cache_creation_input_tokens", "cache_read_input_tokens"},
		},
	}
}
