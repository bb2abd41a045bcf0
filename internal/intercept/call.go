package intercept

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HakAl/llmtap/internal/parser"
	"github.com/HakAl/llmtap/internal/payload"
	"github.com/HakAl/llmtap/internal/provider"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/stream"
)

// Metadata keys written by the interceptor.
const (
	MetaMethod                = "method"
	MetaStreaming             = "streaming"
	MetaStreamMode            = "stream_mode"
	MetaContentLength         = "content_length"
	MetaFinishReason          = "finish_reason"
	MetaIncomplete            = "incomplete"
	MetaStreamAbandoned       = "stream_abandoned"
	MetaStreamError           = "stream_error"
	MetaTeeFailed             = "tee_failed"
	MetaProcessingMs          = "processing_ms"
	MetaEstimatedOutputTokens = "estimated_output_tokens"
	MetaPanic                 = "panic"
	MetaToolUses              = "tool_uses"
	MetaToolResultErrors      = "tool_result_errors"
)

const (
	modeTee        = "tee"
	modeInterposed = "interposed"
)

// callState is what one observed call knows between start and emission.
type callState struct {
	ic       *Interceptor
	ctx      context.Context
	span     trace.Span
	path     string
	provider record.Provider
	request  any
	start    time.Time
	meta     map[string]any
}

func (c Call) begin(ctx context.Context, request any) *callState {
	ic := c.scope.ic
	st := &callState{
		ic:       ic,
		ctx:      ctx,
		path:     c.path,
		provider: record.ProviderCustom,
		start:    ic.now(),
	}

	// The caller may reuse or change request once the call returns.
	ic.safely("snapshot", func() { st.request = payload.Snapshot(request) })
	ic.safely("classify", func() {
		st.provider = ic.classifier.Classify(st.request, c.scope.client, c.scope.provider)
	})

	st.meta = map[string]any{}
	ic.safely("metadata", func() {
		if snap := ic.metadata.Snapshot(ctx); snap != nil {
			st.meta = snap
		}
	})
	st.meta[MetaMethod] = c.path

	st.span = trace.SpanFromContext(ctx)
	ic.safely("trace", func() {
		st.ctx, st.span = ic.tracer.Start(ctx, "llm."+c.path,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("llm.provider", string(st.provider)),
				attribute.String("llm.method", c.path),
			),
		)
	})
	return st
}

// recoverPanic records a panic from the wrapped call and re-raises it.
// It must be deferred directly.
func (st *callState) recoverPanic() {
	if r := recover(); r != nil {
		perr := &PanicError{Value: r}
		st.meta[MetaPanic] = true
		st.fail(perr)
		panic(r)
	}
}

func (st *callState) elapsed() time.Duration {
	return st.ic.now().Sub(st.start)
}

func (st *callState) base() *record.Interaction {
	rec := &record.Interaction{
		Provider: st.provider,
		Model:    record.UnknownModel,
		Request:  st.request,
		Metadata: st.meta,
	}
	st.ic.safely("tool results", func() {
		errs := 0
		for _, r := range parser.ToolResults(st.request) {
			if r.IsError {
				errs++
			}
		}
		if errs > 0 {
			rec.Metadata[MetaToolResultErrors] = errs
		}
	})
	return rec
}

func durationMs(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

func (st *callState) fail(err error) {
	rec := st.base()
	rec.Status = record.StatusError
	rec.ErrorMessage = errorMessage(err)
	rec.DurationMs = durationMs(st.elapsed())
	st.ic.safely("model", func() {
		rec.Model = provider.ExtractModel(st.request, nil, st.provider)
	})

	st.endSpan(rec, err)
	st.ic.emit(st.ctx, rec)
}

func (st *callState) succeed(value any) {
	rec := st.base()
	rec.Status = record.StatusSuccess
	rec.DurationMs = durationMs(st.elapsed())
	st.ic.safely("snapshot", func() { rec.Response = payload.Snapshot(value) })
	st.ic.safely("extract", func() {
		rec.Model = provider.ExtractModel(st.request, rec.Response, st.provider)
		if usage, ok := provider.ExtractUsage(st.provider, rec.Response); ok {
			rec.Tokens = provider.ExtractTokens(st.provider, usage)
		}
		if names := parser.ToolNames(parser.ToolUses(rec.Response)); names != nil {
			rec.Metadata[MetaToolUses] = names
		}
	})

	st.endSpan(rec, nil)
	st.ic.emit(st.ctx, rec)
}

// finishStream emits the record for a stream that ended, failed or was
// abandoned.
func (st *callState) finishStream(res stream.Result, mode string) {
	rec := st.base()
	rec.Status = record.StatusSuccess
	rec.Response = res.Response
	rec.Tokens = res.Tokens

	elapsed := st.elapsed()
	if mode == modeInterposed {
		rec.DurationMs = durationMs(elapsed)
	}

	meta := rec.Metadata
	meta[MetaStreaming] = true
	meta[MetaStreamMode] = mode
	meta[MetaContentLength] = res.ContentLength
	meta[MetaProcessingMs] = elapsed.Milliseconds()
	if res.FinishReason != "" {
		meta[MetaFinishReason] = res.FinishReason
	}
	if res.Incomplete {
		meta[MetaIncomplete] = true
	}

	var spanErr error
	switch {
	case stream.IsAbandoned(res.Err):
		meta[MetaStreamAbandoned] = true
	case res.Err != nil:
		rec.Status = record.StatusError
		rec.ErrorMessage = errorMessage(res.Err)
		meta[MetaStreamError] = rec.ErrorMessage
		spanErr = res.Err
	}

	st.ic.safely("extract", func() {
		rec.Model = provider.ExtractModel(st.request, res.Response, st.provider)
		if names := parser.ToolNames(parser.ToolUses(res.Response)); names != nil {
			meta[MetaToolUses] = names
		}
		if st.ic.estimator != nil && res.Content != "" {
			if n, err := st.ic.estimator.Count(rec.Model, res.Content); err == nil {
				meta[MetaEstimatedOutputTokens] = n
			}
		}
	})

	st.endSpan(rec, spanErr)
	st.ic.emit(st.ctx, rec)
}

// teeFailed emits the minimal record for a stream that could not be split.
func (st *callState) teeFailed(err error) {
	st.ic.logger.Warn("stream duplication failed, returning original stream",
		"method", st.path,
		"error", err,
	)

	rec := st.base()
	rec.Status = record.StatusSuccess
	rec.Metadata[MetaStreaming] = true
	rec.Metadata[MetaStreamMode] = modeTee
	rec.Metadata[MetaTeeFailed] = true
	rec.Metadata[MetaProcessingMs] = st.elapsed().Milliseconds()
	st.ic.safely("model", func() {
		rec.Model = provider.ExtractModel(st.request, nil, st.provider)
	})

	st.endSpan(rec, nil)
	st.ic.emit(st.ctx, rec)
}

func (st *callState) endSpan(rec *record.Interaction, err error) {
	st.ic.safely("trace", func() {
		st.span.SetAttributes(
			attribute.String("llm.model", rec.Model),
			attribute.String("llm.status", string(rec.Status)),
		)
		if rec.Tokens.Input != nil {
			st.span.SetAttributes(attribute.Int("llm.tokens.input", *rec.Tokens.Input))
		}
		if rec.Tokens.Output != nil {
			st.span.SetAttributes(attribute.Int("llm.tokens.output", *rec.Tokens.Output))
		}
		if err != nil {
			st.span.RecordError(err)
			st.span.SetStatus(codes.Error, rec.ErrorMessage)
		}
		st.span.End()
	})
}

// errorMessage is never empty for a non-nil err.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

// emit assigns the record's ID and timestamp and hands it to the emitter in
// the background. Emitter failures are logged.
func (ic *Interceptor) emit(ctx context.Context, rec *record.Interaction) {
	ic.safely("emit", func() {
		rec.ID = ic.ids.Next()
		rec.Timestamp = ic.now().UTC()

		ctx := context.WithoutCancel(ctx)
		ic.tasks.Go(func(context.Context) {
			if err := ic.emitter.Log(ctx, rec); err != nil {
				ic.logger.Warn("failed to emit interaction",
					"id", rec.ID,
					"method", rec.Metadata[MetaMethod],
					"error", err,
				)
			}
		})
	})
}
