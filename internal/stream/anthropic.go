package stream

import (
	"github.com/HakAl/llmtap/internal/payload"
)

// anthropicFamily handles Messages API stream events.
type anthropicFamily struct{}

func (anthropicFamily) add(s *state, chunk map[string]any) bool {
	switch payload.String(chunk, "type") {
	case "message_start":
		msg, _ := payload.Map(chunk, "message")
		s.setModel(payload.String(msg, "model"))
		s.setID(payload.String(msg, "id"))
		usage, ok := payload.Map(msg, "usage")
		if !ok {
			return true
		}
		if s.inputTokensFromStart == nil {
			if n, ok := payload.Int(usage, "input_tokens"); ok {
				s.inputTokensFromStart = &n
			}
		}
		s.mergeUsage(usage)
		s.pinInput()

	case "content_block_start":
		block, _ := payload.Map(chunk, "content_block")
		switch payload.String(block, "type") {
		case "text":
			s.content.WriteString(payload.String(block, "text"))
		case "tool_use":
			tc := s.tool(index(chunk))
			tc.ID = payload.String(block, "id")
			tc.Name = payload.String(block, "name")
		}

	case "content_block_delta":
		delta, _ := payload.Map(chunk, "delta")
		switch payload.String(delta, "type") {
		case "text_delta":
			s.content.WriteString(payload.String(delta, "text"))
		case "input_json_delta":
			if tc, ok := s.tools[index(chunk)]; ok {
				tc.Arguments.WriteString(payload.String(delta, "partial_json"))
			}
		}

	case "message_delta":
		delta, _ := payload.Map(chunk, "delta")
		s.setFinish(payload.String(delta, "stop_reason"))
		if usage, ok := payload.Map(chunk, "usage"); ok {
			s.mergeUsage(usage)
			s.pinInput()
		}

	case "content_block_stop", "message_stop", "ping", "error":

	default:
		return false
	}
	return true
}

// pinInput restores the prompt count captured from message_start.
func (s *state) pinInput() {
	if s.inputTokensFromStart != nil && s.usage != nil {
		s.usage["input_tokens"] = *s.inputTokensFromStart
	}
}

func (anthropicFamily) synthesize(s *state) map[string]any {
	content := []any{}
	if text := s.content.String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range s.orderedTools() {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": parseArguments(tc.Arguments.String()),
		})
	}

	var stop any
	if s.finishReason != "" {
		stop = s.finishReason
	}

	resp := map[string]any{
		"id":            s.id,
		"type":          "message",
		"role":          "assistant",
		"model":         s.model,
		"content":       content,
		"stop_reason":   stop,
		"stop_sequence": nil,
	}
	if usage := s.usageCopy(); usage != nil {
		resp["usage"] = usage
	}
	return resp
}
