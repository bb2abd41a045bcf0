// Package llmtap records every request a Go program makes through an LLM
// provider client.
//
//	tap, err := llmtap.New(cfg)
//	if err != nil { ... }
//	defer tap.Shutdown(ctx)
//
//	client := tap.WrapOpenAI(openai.NewClient(key))
//	resp, err := client.Chat.Completions.Create(ctx, req)
//
// The wrapped client returns exactly what the underlying client returns.
// Records are assembled in the background and handed to the configured
// sinks: SQLite, a log line, a watermill topic and any extra sink such as
// the live websocket feed.
package llmtap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/HakAl/llmtap/internal/adapters/anthropic"
	"github.com/HakAl/llmtap/internal/adapters/gemini"
	"github.com/HakAl/llmtap/internal/adapters/openai"
	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/emit"
	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/metadata"
	"github.com/HakAl/llmtap/internal/redact"
	"github.com/HakAl/llmtap/internal/store"
	"github.com/HakAl/llmtap/internal/telemetry"
	"github.com/HakAl/llmtap/internal/tokens"
)

type options struct {
	logger      *slog.Logger
	sinks       []emit.Sink
	publisher   message.Publisher
	traceWriter io.Writer
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink adds a sink next to the configured ones.
func WithSink(s emit.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithPublisher publishes records through p instead of an in-process
// gochannel. Requires events.enabled.
func WithPublisher(p message.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTraceWriter sends exported spans to w instead of stdout. Requires
// telemetry.enabled.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// Tap owns the interceptor and everything records flow into.
type Tap struct {
	cfg    *config.Config
	logger *slog.Logger

	ic      *intercept.Interceptor
	meta    *metadata.Context
	emitter *emit.QueueEmitter

	store    *store.SQLiteStore
	pubsub   *gochannel.GoChannel
	shutdown []func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New builds a Tap from cfg. A nil cfg uses config.DefaultConfig with the
// store disabled.
func New(cfg *config.Config, opts ...Option) (*Tap, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Store.Enabled = false
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	t := &Tap{cfg: cfg, logger: o.logger, meta: metadata.New()}
	for k, v := range cfg.Capture.Metadata {
		t.meta.Set(k, v)
	}

	sinks, drops, err := t.openSinks(&o)
	if err != nil {
		t.closeResources(context.Background())
		return nil, err
	}

	icOpts := []intercept.Option{
		intercept.WithLogger(o.logger),
		intercept.WithMetadata(t.meta),
		intercept.WithTasks(intercept.NewTasks(cfg.Emitter.MaxBackgroundTasks, o.logger)),
	}

	if cfg.Capture.Enabled {
		eopts := emit.Options{
			QueueMaxSize: cfg.Emitter.QueueMaxSize,
			BatchSize:    cfg.Emitter.BatchSize,
			BatchTimeout: time.Duration(cfg.Emitter.BatchTimeoutMs) * time.Millisecond,
			Drops:        drops,
			Logger:       o.logger,
		}
		if cfg.Capture.Redaction.Active() {
			r, err := redact.New(cfg.Capture.Redaction)
			if err != nil {
				t.closeResources(context.Background())
				return nil, fmt.Errorf("configuring redaction: %w", err)
			}
			eopts.Redactor = r
		}
		t.emitter = emit.NewQueueEmitter(sinks, eopts)
		icOpts = append(icOpts, intercept.WithEmitter(t.emitter))
	}

	if cfg.Capture.EstimateTokens {
		icOpts = append(icOpts, intercept.WithTokenEstimator(tokens.NewEstimator()))
	}

	if cfg.Telemetry.Enabled {
		w := o.traceWriter
		if w == nil {
			w = os.Stdout
		}
		stop, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, w, o.logger)
		if err != nil {
			t.closeResources(context.Background())
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		t.shutdown = append(t.shutdown, stop)
		icOpts = append(icOpts, intercept.WithTracer(telemetry.Tracer()))
	}

	t.ic = intercept.New(icOpts...)
	return t, nil
}

func (t *Tap) openSinks(o *options) ([]emit.Sink, emit.DropLogger, error) {
	var sinks []emit.Sink
	var drops emit.DropLogger

	if t.cfg.Store.Enabled {
		s, err := store.NewSQLiteStore(t.cfg.Store.DBPath, t.cfg.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}
		t.store = s
		storeSink := emit.NewStoreSink(s)
		sinks = append(sinks, storeSink)
		drops = storeSink
	}

	if t.cfg.Emitter.LogRecords {
		sinks = append(sinks, emit.NewLogSink(t.logger, slog.LevelInfo))
	}

	if t.cfg.Events.Enabled {
		pub := o.publisher
		if pub == nil {
			t.pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
			pub = t.pubsub
		}
		sinks = append(sinks, emit.NewWatermillSink(pub, t.cfg.Events.Topic))
	}

	return append(sinks, o.sinks...), drops, nil
}

// Interceptor returns the underlying interceptor, for adapters outside this
// package.
func (t *Tap) Interceptor() *intercept.Interceptor {
	return t.ic
}

// Config returns the configuration the Tap was built with.
func (t *Tap) Config() *config.Config {
	return t.cfg
}

// Store returns the SQLite store, or nil when persistence is disabled.
func (t *Tap) Store() *store.SQLiteStore {
	return t.store
}

// Subscriber returns the in-process event bus, or nil when events are
// disabled or an external publisher was given.
func (t *Tap) Subscriber() message.Subscriber {
	if t.pubsub == nil {
		return nil
	}
	return t.pubsub
}

// WrapOpenAI instruments a go-openai client.
func (t *Tap) WrapOpenAI(api openai.API, opts ...openai.Option) *openai.Client {
	return openai.Wrap(t.ic, api, opts...)
}

// WrapAnthropic instruments a Messages API client.
func (t *Tap) WrapAnthropic(api anthropic.API, opts ...anthropic.Option) *anthropic.Client {
	return anthropic.Wrap(t.ic, api, opts...)
}

// WrapGemini instruments a Gemini client.
func (t *Tap) WrapGemini(api gemini.API, opts ...gemini.Option) *gemini.Client {
	return gemini.Wrap(t.ic, api, opts...)
}

// SetMetadata attaches key=value to every later record.
func (t *Tap) SetMetadata(key string, value any) {
	t.meta.Set(key, value)
}

// DeleteMetadata removes a value set with SetMetadata.
func (t *Tap) DeleteMetadata(key string) {
	t.meta.Delete(key)
}

// Flush waits for pending records and writes them to every sink.
func (t *Tap) Flush(ctx context.Context) error {
	t.ic.Wait()
	if t.emitter == nil {
		return nil
	}
	return t.emitter.Flush(ctx)
}

// Shutdown waits for pending records, drains the emitter and releases the
// store, event bus and tracer. Calls after the first return its result.
func (t *Tap) Shutdown(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.ic.Wait()
		var errs []error
		if t.emitter != nil {
			if err := t.emitter.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("closing emitter: %w", err))
			}
		}
		if err := t.closeResources(ctx); err != nil {
			errs = append(errs, err)
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (t *Tap) closeResources(ctx context.Context) error {
	var errs []error
	if t.pubsub != nil {
		if err := t.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing event bus: %w", err))
		}
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	for _, stop := range t.shutdown {
		if err := stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WithWorkflow returns a context whose calls are recorded with workflow_id.
func WithWorkflow(ctx context.Context, workflowID string) context.Context {
	return metadata.WithWorkflow(ctx, workflowID)
}

// WithMetadata returns a context whose calls carry values as metadata.
func WithMetadata(ctx context.Context, values map[string]any) context.Context {
	return metadata.WithValues(ctx, values)
}
