package provider

import (
	"strings"

	"github.com/HakAl/llmtap/internal/record"
)

// Gemini implements Provider for Google's Gemini API.
type Gemini struct{}

// Name returns "gemini".
func (g *Gemini) Name() record.Provider {
	return record.ProviderGemini
}

// MatchModel matches Gemini and Gemma model names, with or without the
// "models/" resource prefix.
func (g *Gemini) MatchModel(model string) bool {
	model = strings.ToLower(model)
	return strings.Contains(model, "gemini") || strings.Contains(model, "gemma")
}

// MatchIdentity matches client types from Google generative AI SDKs.
func (g *Gemini) MatchIdentity(typeName string) bool {
	name := strings.ToLower(typeName)
	return strings.Contains(name, "gemini") || strings.Contains(name, "genai")
}

// DetectHost returns true for Google Gemini API hosts.
func (g *Gemini) DetectHost(host string) bool {
	return HostIn(host, "generativelanguage.googleapis.com")
}

// Capabilities returns the generate-content style method names.
func (g *Gemini) Capabilities() []string {
	return []string{"GenerateContent", "GenerateContentStream"}
}

// UsageKeys returns "usageMetadata".
func (g *Gemini) UsageKeys() []string {
	return []string{"usageMetadata"}
}

// TokenFields maps Gemini usage metadata.
func (g *Gemini) TokenFields() []TokenFields {
	return []TokenFields{
		{Input: "promptTokenCount", Output: "candidatesTokenCount", Total: "totalTokenCount"},
	}
}
