// Package gemini instruments a Gemini generateContent client.
//
// client.Models.GenerateContent records "models.generateContent" and
// client.Models.GenerateContentStream records "models.generateContentStream".
package gemini

import (
	"context"

	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/stream"
)

// API is the generateContent surface that is instrumented. *HTTPClient
// implements it.
type API interface {
	GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, req *GenerateContentRequest) (stream.Stream[GenerateContentResponse], error)
}

// ChunkStream is a streaming generateContent response.
type ChunkStream = stream.Stream[GenerateContentResponse]

// Client is an instrumented Gemini client.
type Client struct {
	api API

	Models *Models
}

// Models is the "models" namespace.
type Models struct {
	api   API
	scope intercept.Scope
}

// recordedRequest is what gets recorded as the request: the body plus the
// model from the URL.
type recordedRequest struct {
	Model string `json:"model"`
	*GenerateContentRequest
}

type options struct {
	provider record.Provider
}

// Option configures Wrap.
type Option func(*options)

// WithProvider records calls under p instead of gemini.
func WithProvider(p record.Provider) Option {
	return func(o *options) { o.provider = p }
}

// Wrap instruments api. Wrapping the same client twice returns the existing
// wrapper.
func Wrap(ic *intercept.Interceptor, api API, opts ...Option) *Client {
	o := options{provider: record.ProviderGemini}
	for _, opt := range opts {
		opt(&o)
	}

	return intercept.Wrap(ic.Wraps(), api, func() *Client {
		root := ic.Scope(api, o.provider, "")
		return &Client{api: api, Models: &Models{api: api, scope: root.Child("models")}}
	}, nil)
}

// Unwrap returns the underlying client.
func (c *Client) Unwrap() API {
	return c.api
}

// GenerateContent records a generateContent call.
func (m *Models) GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	return intercept.Invoke(ctx, m.scope.Method("generateContent"), recordedRequest{Model: model, GenerateContentRequest: req},
		func(ctx context.Context) (*GenerateContentResponse, error) {
			return m.api.GenerateContent(ctx, model, req)
		})
}

// GenerateContentStream records a streaming call as the caller reads it.
func (m *Models) GenerateContentStream(ctx context.Context, model string, req *GenerateContentRequest) (ChunkStream, error) {
	return intercept.InvokeStream(ctx, m.scope.Method("generateContentStream"), recordedRequest{Model: model, GenerateContentRequest: req},
		intercept.SingleConsumerOnly[GenerateContentResponse](),
		func(ctx context.Context) (ChunkStream, error) {
			return m.api.GenerateContentStream(ctx, model, req)
		})
}
