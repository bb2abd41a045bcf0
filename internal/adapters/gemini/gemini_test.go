package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/parser"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/stream"
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

// checkMeta compares metadata values. A nil want means the key is absent.
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
		if !reflect.DeepEqual(got, v) {
			t.Errorf("metadata %s = %v, want %v", k, got, v)
		}
	}
}

func setup(t *testing.T, handler http.HandlerFunc) (*Client, *intercept.Interceptor, *recorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	ic := intercept.New(
		intercept.WithEmitter(rec),
		intercept.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return Wrap(ic, NewHTTPClient("test-key", WithBaseURL(srv.URL+"/v1beta"))), ic, rec
}

func ask(text string) *GenerateContentRequest {
	return &GenerateContentRequest{Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}}}
}

func TestGenerateContent(t *testing.T) {
	var gotPath, gotKey string
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [
				{"text": "Sure."},
				{"functionCall": {"name": "lookup", "args": {"q": "go"}}}
			]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10},
			"modelVersion": "gemini-2.5-flash-001"
		}`)
	})

	resp, err := client.Models.GenerateContent(context.Background(), "gemini-2.5-flash", ask("hi"))
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if got := resp.Text(); got != "Sure." {
		t.Errorf("Text() = %q", got)
	}
	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" || gotKey != "test-key" {
		t.Errorf("path = %q, key = %q", gotPath, gotKey)
	}
	resp.ModelVersion = "edited"

	r := rec.only(t, ic)
	if r.Provider != record.ProviderGemini || r.Status != record.StatusSuccess || r.Model != "gemini-2.5-flash" {
		t.Errorf("Got = %v/%v/%v", r.Provider, r.Status, r.Model)
	}
	got, ok := r.Response.(map[string]any)
	if !ok || got["modelVersion"] != "gemini-2.5-flash-001" {
		t.Errorf("Response = %v, want the response as returned", r.Response)
	}
	checkMeta(t, r.Metadata, map[string]any{
		intercept.MetaMethod:   "models.generateContent",
		intercept.MetaToolUses: []string{"lookup"},
	})
	checkTokens(t, r.Tokens, 7, 3, 10)
}

func TestGenerateContent_APIError(t *testing.T) {
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := client.Models.GenerateContent(context.Background(), "gemini-2.0-flash", ask("hi"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GenerateContent() = %v, want an *APIError", err)
	}
	if apiErr.Status != "INVALID_ARGUMENT" {
		t.Errorf("Status = %q", apiErr.Status)
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusError || !strings.Contains(r.ErrorMessage, "API key not valid") {
		t.Errorf("Got = %v %q", r.Status, r.ErrorMessage)
	}
	if r.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q", r.Model)
	}
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\r\n\r\n", c)
	}
}

func TestGenerateContentStream(t *testing.T) {
	var gotQuery string
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		sse(w,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"One "}]}}],"usageMetadata":{"promptTokenCount":4},"modelVersion":"gemini-2.5-pro","responseId":"r1"}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"two"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6},"modelVersion":"gemini-2.5-pro","responseId":"r1"}`,
		)
	})

	s, err := client.Models.GenerateContentStream(context.Background(), "gemini-2.5-pro", ask("count"))
	if err != nil {
		t.Fatalf("GenerateContentStream: %v", err)
	}

	var text strings.Builder
	err = stream.Drain(s, func(chunk GenerateContentResponse) {
		text.WriteString(chunk.Text())
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if text.String() != "One two" || gotQuery != "alt=sse" {
		t.Errorf("text = %q, query = %q", text.String(), gotQuery)
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusSuccess {
		t.Errorf("Status = %v, want success", r.Status)
	}
	checkMeta(t, r.Metadata, map[string]any{
		intercept.MetaMethod:        "models.generateContentStream",
		intercept.MetaStreamMode:    "interposed",
		intercept.MetaFinishReason:  "STOP",
		intercept.MetaContentLength: 7,
		intercept.MetaIncomplete:    nil,
	})
	checkTokens(t, r.Tokens, 4, 2, 6)

	resp, ok := r.Response.(map[string]any)
	if !ok || resp["responseId"] != "r1" {
		t.Errorf("Response = %v", r.Response)
	}
}

func TestGenerateContentStream_ErrorChunk(t *testing.T) {
	client, ic, rec := setup(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]}`,
			`{"error":{"code":503,"message":"model overloaded","status":"UNAVAILABLE"}}`,
		)
	})

	s, err := client.Models.GenerateContentStream(context.Background(), "gemini-2.5-pro", ask("x"))
	if err != nil {
		t.Fatalf("GenerateContentStream: %v", err)
	}
	if err := stream.Drain(s, nil); !errors.Is(err, parser.ErrStreamError) {
		t.Fatalf("Drain() = %v, want ErrStreamError", err)
	}

	r := rec.only(t, ic)
	if r.Status != record.StatusError || !strings.Contains(r.ErrorMessage, "model overloaded") {
		t.Errorf("Got = %v %q", r.Status, r.ErrorMessage)
	}
	checkMeta(t, r.Metadata, map[string]any{
		intercept.MetaIncomplete:    true,
		intercept.MetaContentLength: 2,
	})
}

func TestRecordedRequestCarriesModel(t *testing.T) {
	rec := &recorder{}
	ic := intercept.New(intercept.WithEmitter(rec))
	client := Wrap(ic, NewHTTPClient("k", WithBaseURL("http://127.0.0.1:0")))

	req := ask("hi")
	if _, err := client.Models.GenerateContent(context.Background(), "gemini-1.5-flash", req); err == nil {
		t.Fatal("GenerateContent() should fail without a server")
	}
	req.Contents[0].Parts[0].Text = "edited"

	r := rec.only(t, ic)
	sent, ok := r.Request.(map[string]any)
	if !ok {
		t.Fatalf("Request = %T, want a decoded object", r.Request)
	}
	want := map[string]any{
		"model": "gemini-1.5-flash",
		"contents": []any{map[string]any{
			"role":  "user",
			"parts": []any{map[string]any{"text": "hi"}},
		}},
	}
	if !reflect.DeepEqual(sent, want) {
		t.Errorf("Got = %v, want %v", sent, want)
	}
}
