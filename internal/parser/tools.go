package parser

import (
	"encoding/json"

	"github.com/HakAl/llmtap/internal/payload"
)

// ToolUse is a tool invocation requested by a model.
type ToolUse struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is a tool_result block sent back to a model.
type ToolResult struct {
	ToolUseID string
	IsError   bool
}

// ToolUses extracts tool invocations from a non-streaming response (or a
// synthesized one). It recognizes Anthropic content blocks, OpenAI
// tool_calls and Gemini functionCall parts, and returns nil otherwise.
func ToolUses(response any) []*ToolUse {
	resp, ok := payload.Object(response)
	if !ok {
		return nil
	}
	if _, ok := resp["content"]; ok {
		return anthropicToolUses(resp)
	}
	if _, ok := resp["choices"]; ok {
		return openAIToolUses(resp)
	}
	if _, ok := resp["candidates"]; ok {
		return geminiToolUses(resp)
	}
	return nil
}

// anthropicToolUses parses:
//
//	{ "content": [ { "type": "tool_use", "id": "...", "name": "...", "input": {...} }, ... ] }
func anthropicToolUses(resp map[string]any) []*ToolUse {
	var body struct {
		Content []struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	}
	if err := payload.Decode(resp, &body); err != nil {
		return nil
	}

	var tools []*ToolUse
	for _, block := range body.Content {
		if block.Type != "tool_use" || block.ID == "" || block.Name == "" {
			continue
		}
		tools = append(tools, &ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
	}
	return tools
}

// openAIToolUses parses:
//
//	{ "choices": [ { "message": { "tool_calls": [ { "id": "...", "function": { "name": "...", "arguments": "{...}" } } ] } } ] }
func openAIToolUses(resp map[string]any) []*ToolUse {
	var body struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := payload.Decode(resp, &body); err != nil {
		return nil
	}

	var tools []*ToolUse
	for _, choice := range body.Choices {
		for _, call := range choice.Message.ToolCalls {
			if call.ID == "" || call.Function.Name == "" {
				continue
			}
			tool := &ToolUse{ID: call.ID, Name: call.Function.Name}
			if call.Function.Arguments != "" {
				var args map[string]any
				// Malformed arguments keep the tool with nil Input.
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
					tool.Input = args
				}
			}
			tools = append(tools, tool)
		}
	}
	return tools
}

// geminiToolUses parses:
//
//	{ "candidates": [ { "content": { "parts": [ { "functionCall": { "name": "...", "args": {...} } } ] } } ] }
func geminiToolUses(resp map[string]any) []*ToolUse {
	var body struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					FunctionCall *struct {
						ID   string         `json:"id"`
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := payload.Decode(resp, &body); err != nil {
		return nil
	}

	var tools []*ToolUse
	for _, cand := range body.Candidates {
		for _, part := range cand.Content.Parts {
			if part.FunctionCall == nil || part.FunctionCall.Name == "" {
				continue
			}
			tools = append(tools, &ToolUse{
				ID:    part.FunctionCall.ID,
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}
	return tools
}

// ToolResults extracts tool_result blocks from an Anthropic-style request.
// Returns nil for requests without them.
func ToolResults(request any) []*ToolResult {
	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := payload.Decode(request, &req); err != nil {
		return nil
	}

	var results []*ToolResult
	for _, msg := range req.Messages {
		// content can be a string or an array of content blocks
		var blocks []struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			IsError   bool   `json:"is_error"`
		}
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, block := range blocks {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			results = append(results, &ToolResult{ToolUseID: block.ToolUseID, IsError: block.IsError})
		}
	}
	return results
}

// ToolNames returns the names of the given tool uses in order.
func ToolNames(tools []*ToolUse) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
