// Package intercept observes calls made through provider clients and turns
// each one into exactly one interaction record, without changing what the
// caller sees.
package intercept

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/HakAl/llmtap/internal/provider"
	"github.com/HakAl/llmtap/internal/record"
)

// Emitter accepts finished records for delivery.
type Emitter interface {
	Log(ctx context.Context, rec *record.Interaction) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, rec *record.Interaction) error

// Log calls f.
func (f EmitterFunc) Log(ctx context.Context, rec *record.Interaction) error {
	return f(ctx, rec)
}

// MetadataSource supplies the ambient metadata captured at call start.
// Snapshot must return a map the caller may modify.
type MetadataSource interface {
	Snapshot(ctx context.Context) map[string]any
}

// IDGenerator assigns record IDs.
type IDGenerator interface {
	Next() string
}

// TokenEstimator counts tokens in text generated by model.
type TokenEstimator interface {
	Count(model, text string) (int, error)
}

type uuidGenerator struct{}

func (uuidGenerator) Next() string { return uuid.NewString() }

type noMetadata struct{}

func (noMetadata) Snapshot(context.Context) map[string]any { return map[string]any{} }

type discard struct{}

func (discard) Log(context.Context, *record.Interaction) error { return nil }

// Interceptor holds the collaborators shared by every observed call.
type Interceptor struct {
	emitter    Emitter
	ids        IDGenerator
	metadata   MetadataSource
	tasks      *Tasks
	classifier *provider.Classifier
	estimator  TokenEstimator
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time

	wraps   *WrapRegistry
	patches *PatchRegistry
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithEmitter sets where finished records go.
func WithEmitter(e Emitter) Option {
	return func(ic *Interceptor) {
		ic.emitter = e
	}
}

// WithIDGenerator overrides uuid record IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(ic *Interceptor) {
		ic.ids = g
	}
}

// WithMetadata sets the ambient metadata source.
func WithMetadata(m MetadataSource) Option {
	return func(ic *Interceptor) {
		ic.metadata = m
	}
}

// WithTasks sets the background work sink used for emission and stream draining.
func WithTasks(t *Tasks) Option {
	return func(ic *Interceptor) {
		ic.tasks = t
	}
}

// WithClassifier overrides the default provider classifier.
func WithClassifier(c *provider.Classifier) Option {
	return func(ic *Interceptor) {
		ic.classifier = c
	}
}

// WithTokenEstimator records an output token estimate for streamed content.
func WithTokenEstimator(e TokenEstimator) Option {
	return func(ic *Interceptor) {
		ic.estimator = e
	}
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(t trace.Tracer) Option {
	return func(ic *Interceptor) {
		ic.tracer = t
	}
}

// WithLogger sets the logger for instrumentation failures.
func WithLogger(l *slog.Logger) Option {
	return func(ic *Interceptor) {
		ic.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ic *Interceptor) {
		ic.now = now
	}
}

// New creates an interceptor. Without options records are discarded.
func New(opts ...Option) *Interceptor {
	ic := &Interceptor{
		emitter:  discard{},
		ids:      uuidGenerator{},
		metadata: noMetadata{},
		now:      time.Now,
		wraps:    NewWrapRegistry(),
		patches:  NewPatchRegistry(),
	}
	for _, opt := range opts {
		opt(ic)
	}
	if ic.logger == nil {
		ic.logger = slog.Default()
	}
	if ic.tasks == nil {
		ic.tasks = NewTasks(0, ic.logger)
	}
	if ic.classifier == nil {
		ic.classifier = provider.NewClassifier(nil)
	}
	if ic.tracer == nil {
		ic.tracer = otel.Tracer("github.com/HakAl/llmtap/internal/intercept")
	}
	return ic
}

// Tasks returns the background work sink.
func (ic *Interceptor) Tasks() *Tasks {
	return ic.tasks
}

// Wraps returns the registry of wrapped clients.
func (ic *Interceptor) Wraps() *WrapRegistry {
	return ic.wraps
}

// Patches returns the registry of one-time patch entry points.
func (ic *Interceptor) Patches() *PatchRegistry {
	return ic.patches
}

// Wait blocks until all pending background work has finished.
func (ic *Interceptor) Wait() {
	ic.tasks.Wait()
}
