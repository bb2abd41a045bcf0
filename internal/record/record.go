// Package record defines the canonical interaction record produced for every
// intercepted provider call.
package record

import "time"

// Provider identifies which provider wire format a call follows.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderCustom    Provider = "custom"
)

// Valid reports whether p is one of the known provider tags.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderCustom:
		return true
	}
	return false
}

// Status is the outcome of an intercepted call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// UnknownModel is recorded when no model name can be found.
const UnknownModel = "unknown"

// Tokens holds normalized token counts. Every field is optional.
type Tokens struct {
	Input  *int `json:"input,omitempty"`
	Output *int `json:"output,omitempty"`
	Total  *int `json:"total,omitempty"`
}

// IsZero reports whether no count is known.
func (t Tokens) IsZero() bool {
	return t.Input == nil && t.Output == nil && t.Total == nil
}

// Interaction is one request/response pair captured from a provider client.
type Interaction struct {
	ID           string         `json:"id"`
	Provider     Provider       `json:"provider"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMs   *int64         `json:"durationMs,omitempty"`
	Model        string         `json:"model"`
	Request      any            `json:"request"`
	Response     any            `json:"response"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Tokens       Tokens         `json:"tokens"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Int returns a pointer to n.
func Int(n int) *int {
	return &n
}
