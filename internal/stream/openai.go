package stream

import (
	"encoding/json"

	"github.com/HakAl/llmtap/internal/payload"
)

// openAIFamily handles chat.completion.chunk objects.
type openAIFamily struct{}

func (openAIFamily) add(s *state, chunk map[string]any) bool {
	choices, hasChoices := payload.Slice(chunk, "choices")
	usage, hasUsage := payload.Map(chunk, "usage")
	if !hasChoices && !hasUsage {
		return false
	}

	s.setModel(payload.String(chunk, "model"))
	s.setID(payload.String(chunk, "id"))
	if s.created == nil {
		if created, ok := payload.Int(chunk, "created"); ok && created > 0 {
			s.created = created
		}
	}

	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if delta, ok := payload.Map(choice, "delta"); ok {
			s.content.WriteString(payload.String(delta, "content"))
			addOpenAIToolDeltas(s, delta)
		} else {
			// Legacy completions stream.
			s.content.WriteString(payload.String(choice, "text"))
		}
		s.setFinish(payload.String(choice, "finish_reason"))
	}

	if hasUsage {
		s.mergeUsage(usage)
	}
	return true
}

func addOpenAIToolDeltas(s *state, delta map[string]any) {
	calls, _ := payload.Slice(delta, "tool_calls")
	for _, c := range calls {
		call, ok := c.(map[string]any)
		if !ok {
			continue
		}
		tc := s.tool(index(call))
		if id := payload.String(call, "id"); id != "" {
			tc.ID = id
		}
		fn, _ := payload.Map(call, "function")
		if name := payload.String(fn, "name"); name != "" {
			tc.Name = name
		}
		tc.Arguments.WriteString(payload.String(fn, "arguments"))
	}
}

func (openAIFamily) synthesize(s *state) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": s.content.String(),
	}
	if tools := s.orderedTools(); len(tools) > 0 {
		calls := make([]any, 0, len(tools))
		for _, tc := range tools {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments.String(),
				},
			})
		}
		message["tool_calls"] = calls
	}

	var finish any
	if s.finishReason != "" {
		finish = s.finishReason
	}

	resp := map[string]any{
		"id":     s.id,
		"object": "chat.completion",
		"model":  s.model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       message,
				"finish_reason": finish,
			},
		},
	}
	if s.created != nil {
		resp["created"] = s.created
	}
	if usage := s.usageCopy(); usage != nil {
		resp["usage"] = usage
	}
	return resp
}

// parseArguments decodes accumulated tool arguments, keeping the raw text
// when it is not a JSON object.
func parseArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
