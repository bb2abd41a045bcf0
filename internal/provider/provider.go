// Package provider classifies intercepted calls by provider family and
// normalizes the usage and model fields of their payloads.
package provider

import "github.com/HakAl/llmtap/internal/record"

// Provider describes the naming and wire-format rules of one provider family.
type Provider interface {
	// Name returns the provider tag (e.g., "anthropic", "openai").
	Name() record.Provider

	// MatchModel reports whether a model name belongs to this family.
	MatchModel(model string) bool

	// MatchIdentity reports whether a client type name belongs to this family.
	MatchIdentity(typeName string) bool

	// DetectHost returns true if this provider serves the given API host.
	DetectHost(host string) bool

	// Capabilities lists method names whose presence identifies a client of
	// this family.
	Capabilities() []string

	// UsageKeys names the response fields that carry raw usage.
	UsageKeys() []string

	// TokenFields returns the usage field mappings, tried in order.
	TokenFields() []TokenFields
}

// TokenFields maps raw usage field names to normalized token counts.
// An empty name means the provider does not supply that value.
type TokenFields struct {
	Input  string
	Output string
	Total  string

	// InputExtra fields are added to Input when Input is present.
	InputExtra []string
}
