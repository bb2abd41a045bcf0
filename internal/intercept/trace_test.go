package intercept

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/HakAl/llmtap/internal/record"
)

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func endedSpan(t *testing.T, sr *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	return spans[0]
}

func TestInvoke_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ic, _ := newTestInterceptor(t, WithTracer(tp.Tracer("test")))

	call := ic.Scope(nil, "", "chat").Child("completions").Method("create")
	_, err := Invoke(context.Background(), call, map[string]any{"model": "gpt-4o"},
		func(context.Context) (*chatResponse, error) {
			return &chatResponse{Usage: map[string]int{"prompt_tokens": 4, "completion_tokens": 2}}, nil
		})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	ic.Wait()

	span := endedSpan(t, sr)
	if span.Name() != "llm.chat.completions.create" {
		t.Errorf("span name = %q", span.Name())
	}

	attrs := spanAttrs(span)
	for key, want := range map[attribute.Key]string{
		"llm.provider": "openai",
		"llm.model":    "gpt-4o",
		"llm.status":   "success",
	} {
		if got := attrs[key].AsString(); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if in, out := attrs["llm.tokens.input"].AsInt64(), attrs["llm.tokens.output"].AsInt64(); in != 4 || out != 2 {
		t.Errorf("token attributes = %d/%d, want 4/2", in, out)
	}
}

func TestInvoke_SpanRecordsError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ic, _ := newTestInterceptor(t, WithTracer(tp.Tracer("test")))

	call := ic.Scope(nil, record.ProviderAnthropic, "messages").Method("create")
	_, err := Invoke(context.Background(), call, nil, func(context.Context) (*chatResponse, error) {
		return nil, errors.New("overloaded")
	})
	if err == nil {
		t.Fatal("Invoke swallowed the error")
	}
	ic.Wait()

	span := endedSpan(t, sr)
	if span.Status().Code != codes.Error || span.Status().Description != "overloaded" {
		t.Errorf("span status = %+v", span.Status())
	}
	if got := spanAttrs(span)["llm.status"].AsString(); got != "error" {
		t.Errorf("llm.status = %q, want error", got)
	}
}
