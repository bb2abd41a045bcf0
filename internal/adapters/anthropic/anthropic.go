// Package anthropic instruments a Messages API client.
//
// client.Messages.Create records "messages.create" and client.Messages.Stream
// records "messages.stream". Streams are split with a tee so the caller's
// copy never waits on aggregation.
package anthropic

import (
	"context"

	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/stream"
)

// API is the Messages API surface that is instrumented. *HTTPClient
// implements it.
type API interface {
	CreateMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error)
	StreamMessage(ctx context.Context, req *MessageRequest) (stream.Stream[StreamEvent], error)
}

// EventStream is a streaming Messages API response.
type EventStream = stream.Stream[StreamEvent]

// Client is an instrumented Messages API client.
type Client struct {
	api API

	Messages *Messages
}

// Messages is the "messages" namespace.
type Messages struct {
	api   API
	scope intercept.Scope
	mode  intercept.StreamMode[StreamEvent]
}

type options struct {
	provider record.Provider
	mode     intercept.StreamMode[StreamEvent]
}

// Option configures Wrap.
type Option func(*options)

// WithProvider records calls under p instead of anthropic.
func WithProvider(p record.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithDuplicator replaces the stream splitter.
func WithDuplicator(dup stream.Duplicator[StreamEvent]) Option {
	return func(o *options) { o.mode = intercept.Duplicable(dup) }
}

// Wrap instruments api. Wrapping the same client twice returns the existing
// wrapper.
func Wrap(ic *intercept.Interceptor, api API, opts ...Option) *Client {
	o := options{
		provider: record.ProviderAnthropic,
		mode:     intercept.Duplicable(stream.TeeDuplicator[StreamEvent]()),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return intercept.Wrap(ic.Wraps(), api, func() *Client {
		root := ic.Scope(api, o.provider, "")
		return &Client{
			api:      api,
			Messages: &Messages{api: api, scope: root.Child("messages"), mode: o.mode},
		}
	}, nil)
}

// Unwrap returns the underlying client.
func (c *Client) Unwrap() API {
	return c.api
}

// Create records a message.
func (m *Messages) Create(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	return intercept.Invoke(ctx, m.scope.Method("create"), req,
		func(ctx context.Context) (*MessageResponse, error) {
			return m.api.CreateMessage(ctx, req)
		})
}

// Stream records a streaming message once the aggregation copy of the
// stream ends.
func (m *Messages) Stream(ctx context.Context, req *MessageRequest) (EventStream, error) {
	return intercept.InvokeStream(ctx, m.scope.Method("stream"), req, m.mode,
		func(ctx context.Context) (EventStream, error) {
			return m.api.StreamMessage(ctx, req)
		})
}
