package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/record"
)

type recorder struct {
	mu      sync.Mutex
	records []*record.Interaction
}

func (r *recorder) Log(_ context.Context, rec *record.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) only(t *testing.T, ic *intercept.Interceptor) *record.Interaction {
	t.Helper()
	ic.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) != 1 {
		t.Fatalf("Got %d records, want 1", len(r.records))
	}
	return r.records[0]
}

func checkTokens(t *testing.T, got record.Tokens, in, out, total int) {
	t.Helper()
	if got.Input == nil || got.Output == nil || got.Total == nil {
		t.Fatalf("tokens incomplete: %+v", got)
	}
	if *got.Input != in || *got.Output != out || *got.Total != total {
		t.Errorf("tokens = %d/%d/%d, want %d/%d/%d", *got.Input, *got.Output, *got.Total, in, out, total)
	}
}

func checkMeta(t *testing.T, meta map[string]any, want map[string]any) {
	t.Helper()
	for k, v := range want {
		got, ok := meta[k]
		if v == nil {
			if ok {
				t.Errorf("metadata %s = %v, want it absent", k, got)
			}
			continue
		}
		if got != v {
			t.Errorf("metadata %s = %v, want %v", k, got, v)
		}
	}
}

func setup(t *testing.T, handler http.HandlerFunc) (*Client, *intercept.Interceptor, *recorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := goopenai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"

	rec := &recorder{}
	ic := intercept.New(
		intercept.WithEmitter(rec),
		intercept.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return Wrap(ic, goopenai.NewClientWithConfig(cfg)), ic, rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestChatCompletionsCreate(t *testing.T) {
	var gotPath string
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-2024-08-06",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})

	req := goopenai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleUser, Content: "hello"}},
	}
	resp, err := client.Chat.Completions.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if got := resp.Choices[0].Message.Content; got != "Hi!" {
		t.Errorf("content = %q, want Hi!", got)
	}

	// Changes made after the call must not reach the record.
	req.Model = "gpt-3.5-turbo"
	req.Messages[0].Content = "edited"
	resp.Model = "edited"

	r := rec.only(t, ic)
	if r.Provider != record.ProviderOpenAI || r.Status != record.StatusSuccess || r.Model != "gpt-4o" {
		t.Errorf("Got = %v/%v/%v, want openai/success/gpt-4o", r.Provider, r.Status, r.Model)
	}
	sent, ok := r.Request.(map[string]any)
	if !ok {
		t.Fatalf("Request = %T, want a decoded object", r.Request)
	}
	if sent["model"] != "gpt-4o" {
		t.Errorf("request model = %v, want gpt-4o", sent["model"])
	}
	msgs, _ := sent["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "hello" {
		t.Errorf("request messages = %v", sent["messages"])
	}
	got, ok := r.Response.(map[string]any)
	if !ok || got["model"] != "gpt-4o-2024-08-06" || got["id"] != "chatcmpl-1" {
		t.Errorf("Response = %v", r.Response)
	}
	checkMeta(t, r.Metadata, map[string]any{intercept.MetaMethod: "chat.completions.create"})
	checkTokens(t, r.Tokens, 10, 5, 15)
	if r.DurationMs == nil {
		t.Error("DurationMs not set")
	}
}

func TestChatCompletionsCreate_APIError(t *testing.T) {
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"message": "Rate limit reached", "type": "rate_limit_error"},
		})
	})

	_, err := client.Chat.Completions.Create(context.Background(), goopenai.ChatCompletionRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("Create() should fail on HTTP 429")
	}

	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("caller should still see the SDK's error type, got %T", err)
	}
	if apiErr.HTTPStatusCode != http.StatusTooManyRequests {
		t.Errorf("HTTPStatusCode = %d", apiErr.HTTPStatusCode)
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusError || r.ErrorMessage != err.Error() {
		t.Errorf("Got = %v %q, want error %q", r.Status, r.ErrorMessage, err.Error())
	}
	if r.Response != nil {
		t.Errorf("Response = %v, want nil", r.Response)
	}
	if r.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", r.Model)
	}
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestChatCompletionsStream(t *testing.T) {
	var body map[string]any
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		sse(w,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024-08-06","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		)
	})

	s, err := client.Chat.Completions.Stream(context.Background(), goopenai.ChatCompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text bytes.Buffer
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if text.String() != "Hello" {
		t.Errorf("caller text = %q, want Hello", text.String())
	}
	if body["stream"] != true {
		t.Errorf("request stream flag = %v, want true", body["stream"])
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusSuccess || r.Model != "gpt-4o" {
		t.Errorf("Got = %v/%v, want success/gpt-4o", r.Status, r.Model)
	}
	checkMeta(t, r.Metadata, map[string]any{
		intercept.MetaStreaming:       true,
		intercept.MetaStreamMode:      "interposed",
		intercept.MetaContentLength:   5,
		intercept.MetaFinishReason:    "stop",
		intercept.MetaStreamAbandoned: nil,
	})
	checkTokens(t, r.Tokens, 3, 2, 5)

	resp, ok := r.Response.(map[string]any)
	if !ok {
		t.Fatalf("Response = %T, want a synthesized object", r.Response)
	}
	if resp["object"] != "chat.completion" || resp["id"] != "c1" {
		t.Errorf("Response = %v", resp)
	}
}

func TestChatCompletionsStream_Abandoned(t *testing.T) {
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"id":"c2","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"partial"}}]}`,
			`{"id":"c2","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" more"}}]}`,
		)
	})

	s, err := client.Chat.Completions.Stream(context.Background(), goopenai.ChatCompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := s.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusSuccess {
		t.Errorf("Status = %v, want success", r.Status)
	}
	checkMeta(t, r.Metadata, map[string]any{
		intercept.MetaStreamAbandoned: true,
		intercept.MetaIncomplete:      true,
		intercept.MetaContentLength:   7,
	})
}

func TestEmbeddingsCreate(t *testing.T) {
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2}}},
			"usage":  map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	})

	_, err := client.Embeddings.Create(context.Background(), goopenai.EmbeddingRequest{
		Input: []string{"hello"},
		Model: goopenai.SmallEmbedding3,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := rec.only(t, ic)
	checkMeta(t, r.Metadata, map[string]any{intercept.MetaMethod: "embeddings.create"})
	if r.Model != "text-embedding-3-small" {
		t.Errorf("Model = %q", r.Model)
	}
	checkTokens(t, r.Tokens, 4, 0, 4)
}

func TestWrap_Idempotent(t *testing.T) {
	ic := intercept.New()
	api := goopenai.NewClient("k")

	first := Wrap(ic, api)
	if Wrap(ic, api) != first {
		t.Error("wrapping the same client twice should return the same wrapper")
	}
	if first.Unwrap() != api {
		t.Error("Unwrap() should return the original client")
	}
}
