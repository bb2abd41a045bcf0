package provider

import (
	"strings"

	"github.com/HakAl/llmtap/internal/record"
)

// OpenAI implements Provider for OpenAI's API and OpenAI-compatible clients.
type OpenAI struct{}

// openAIModelPrefixes covers the GPT, reasoning, embedding and media families.
var openAIModelPrefixes = []string{
	"gpt-", "o1", "o3", "o4", "chatgpt", "text-embedding", "davinci", "dall-e", "whisper", "tts-",
}

// Name returns "openai".
func (o *OpenAI) Name() record.Provider {
	return record.ProviderOpenAI
}

// MatchModel matches the GPT-style naming prefixes.
func (o *OpenAI) MatchModel(model string) bool {
	model = strings.ToLower(model)
	for _, prefix := range openAIModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// MatchIdentity matches client types from OpenAI SDKs.
func (o *OpenAI) MatchIdentity(typeName string) bool {
	return strings.Contains(strings.ToLower(typeName), "openai")
}

// DetectHost returns true for OpenAI API hosts.
func (o *OpenAI) DetectHost(host string) bool {
	return HostIn(host, "openai.com")
}

// Capabilities returns the chat-completions style method names.
func (o *OpenAI) Capabilities() []string {
	return []string{"CreateChatCompletion", "CreateChatCompletionStream", "ChatCompletions"}
}

// UsageKeys returns "usage".
func (o *OpenAI) UsageKeys() []string {
	return []string{"usage"}
}

// TokenFields maps chat-completions usage, then Responses API usage.
func (o *OpenAI) TokenFields() []TokenFields {
	return []TokenFields{
		{Input: "prompt_tokens", Output: "completion_tokens", Total: "total_tokens"},
		{Input: "input_tokens", Output: "output_tokens", Total: "total_tokens"},
	}
}
