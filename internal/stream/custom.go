package stream

import (
	"github.com/HakAl/llmtap/internal/payload"
)

// customFamily tries every known chunk shape, then a flat
// {content, finish_reason, usage} object.
type customFamily struct{}

var knownFamilies = []family{openAIFamily{}, anthropicFamily{}, geminiFamily{}}

func (customFamily) add(s *state, chunk map[string]any) bool {
	_, hasChoices := payload.Slice(chunk, "choices")
	for _, f := range knownFamilies {
		// A usage key alone does not make a flat chunk an OpenAI one.
		if _, ok := f.(openAIFamily); ok && !hasChoices {
			continue
		}
		if f.add(s, chunk) {
			return true
		}
	}

	text := payload.String(chunk, "content")
	if text == "" {
		text = payload.String(chunk, "text")
	}
	s.content.WriteString(text)
	s.setFinish(payload.String(chunk, "finish_reason"))
	s.setModel(payload.String(chunk, "model"))
	if usage, ok := payload.Map(chunk, "usage"); ok {
		s.mergeUsage(usage)
	}
	return true
}

func (customFamily) synthesize(s *state) map[string]any {
	resp := map[string]any{
		"content": s.content.String(),
	}
	if s.finishReason != "" {
		resp["finish_reason"] = s.finishReason
	}
	if s.model != "" {
		resp["model"] = s.model
	}
	if usage := s.usageCopy(); usage != nil {
		resp["usage"] = usage
	}
	return resp
}
