package provider

import (
	"github.com/HakAl/llmtap/internal/payload"
	"github.com/HakAl/llmtap/internal/record"
)

var defaultRegistry = NewRegistry()

// ExtractTokens normalizes a raw usage object into token counts using the
// provider's field mapping. The first mapping that yields any value is used.
// A missing total is computed as input+output when both are known; no other
// value is ever derived.
func ExtractTokens(p record.Provider, rawUsage any) record.Tokens {
	return defaultRegistry.ExtractTokens(p, rawUsage)
}

// ExtractTokens is ExtractTokens against this registry.
func (r *Registry) ExtractTokens(p record.Provider, rawUsage any) record.Tokens {
	usage, ok := payload.Object(rawUsage)
	if !ok {
		return record.Tokens{}
	}

	for _, fields := range r.TokenFields(p) {
		tokens := tokensFrom(usage, fields)
		if !tokens.IsZero() {
			return tokens
		}
	}
	return record.Tokens{}
}

func tokensFrom(usage map[string]any, fields TokenFields) record.Tokens {
	var tokens record.Tokens
	if fields.Input != "" {
		if n, ok := payload.Int(usage, fields.Input); ok {
			for _, extra := range fields.InputExtra {
				if m, ok := payload.Int(usage, extra); ok {
					n += m
				}
			}
			tokens.Input = record.Int(n)
		}
	}
	if fields.Output != "" {
		if n, ok := payload.Int(usage, fields.Output); ok {
			tokens.Output = record.Int(n)
		}
	}
	if fields.Total != "" {
		if n, ok := payload.Int(usage, fields.Total); ok {
			tokens.Total = record.Int(n)
		}
	}
	if tokens.Total == nil && tokens.Input != nil && tokens.Output != nil {
		tokens.Total = record.Int(*tokens.Input + *tokens.Output)
	}
	return tokens
}

// ExtractUsage returns the raw usage object of a non-streaming response.
func ExtractUsage(p record.Provider, response any) (map[string]any, bool) {
	return defaultRegistry.ExtractUsage(p, response)
}

// ExtractUsage is ExtractUsage against this registry.
func (r *Registry) ExtractUsage(p record.Provider, response any) (map[string]any, bool) {
	resp, ok := payload.Object(response)
	if !ok {
		return nil, false
	}
	for _, key := range r.UsageKeys(p) {
		if usage, ok := payload.Map(resp, key); ok {
			return usage, true
		}
	}
	return nil, false
}

// ExtractModel returns the model for a call: the request's model field,
// then the response's model or modelVersion, then the provider placeholder.
// The result is never empty.
func ExtractModel(request, response any, p record.Provider) string {
	if req, ok := payload.Object(request); ok {
		if model := payload.String(req, "model"); model != "" {
			return model
		}
	}
	if resp, ok := payload.Object(response); ok {
		if model := payload.String(resp, "model"); model != "" {
			return model
		}
		if model := payload.String(resp, "modelVersion"); model != "" {
			return model
		}
	}
	return placeholderModel(p)
}

// placeholderModel is the model recorded when neither payload names one.
// Every provider currently shares the same placeholder.
func placeholderModel(record.Provider) string {
	return record.UnknownModel
}
