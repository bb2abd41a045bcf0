package stream

import (
	"github.com/HakAl/llmtap/internal/payload"
)

// geminiFamily handles streamGenerateContent responses.
type geminiFamily struct{}

func (geminiFamily) add(s *state, chunk map[string]any) bool {
	candidates, hasCandidates := payload.Slice(chunk, "candidates")
	usage, hasUsage := payload.Map(chunk, "usageMetadata")
	if !hasCandidates && !hasUsage {
		return false
	}

	s.setModel(payload.String(chunk, "modelVersion"))
	s.setID(payload.String(chunk, "responseId"))

	for _, c := range candidates {
		cand, ok := c.(map[string]any)
		if !ok {
			continue
		}
		content, _ := payload.Map(cand, "content")
		parts, _ := payload.Slice(content, "parts")
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			s.content.WriteString(payload.String(part, "text"))
			if call, ok := payload.Map(part, "functionCall"); ok {
				tc := s.tool(len(s.tools))
				tc.Name = payload.String(call, "name")
				tc.Raw = call
			}
		}
		s.setFinish(payload.String(cand, "finishReason"))
	}

	if hasUsage {
		s.mergeUsage(usage)
	}
	return true
}

func (geminiFamily) synthesize(s *state) map[string]any {
	parts := []any{}
	if text := s.content.String(); text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	for _, tc := range s.orderedTools() {
		parts = append(parts, map[string]any{"functionCall": tc.Raw})
	}

	candidate := map[string]any{
		"index": 0,
		"content": map[string]any{
			"role":  "model",
			"parts": parts,
		},
	}
	if s.finishReason != "" {
		candidate["finishReason"] = s.finishReason
	}

	resp := map[string]any{
		"candidates": []any{candidate},
	}
	if s.model != "" {
		resp["modelVersion"] = s.model
	}
	if s.id != "" {
		resp["responseId"] = s.id
	}
	if usage := s.usageCopy(); usage != nil {
		resp["usageMetadata"] = usage
	}
	return resp
}
