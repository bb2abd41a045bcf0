// Package openai instruments a go-openai client.
//
// The wrapped client mirrors the OpenAI API namespaces, so
// client.Chat.Completions.Create records "chat.completions.create".
package openai

import (
	"context"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/stream"
)

// API is the subset of *goopenai.Client that is instrumented.
type API interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*goopenai.ChatCompletionStream, error)
	CreateCompletion(ctx context.Context, req goopenai.CompletionRequest) (goopenai.CompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv goopenai.EmbeddingRequestConverter) (goopenai.EmbeddingResponse, error)
}

// ChunkStream is a streaming chat completion.
type ChunkStream = stream.Stream[goopenai.ChatCompletionStreamResponse]

// Client is an instrumented OpenAI client.
type Client struct {
	api API

	Chat        *Chat
	Completions *Completions
	Embeddings  *Embeddings
}

// Chat is the "chat" namespace.
type Chat struct {
	Completions *ChatCompletions
}

// ChatCompletions is the "chat.completions" namespace.
type ChatCompletions struct {
	api   API
	scope intercept.Scope
}

// Completions is the legacy "completions" namespace.
type Completions struct {
	api   API
	scope intercept.Scope
}

// Embeddings is the "embeddings" namespace.
type Embeddings struct {
	api   API
	scope intercept.Scope
}

type options struct {
	provider record.Provider
}

// Option configures Wrap.
type Option func(*options)

// WithProvider records calls under p instead of openai, for OpenAI-compatible
// endpoints of other vendors. An empty p leaves the choice to the classifier.
func WithProvider(p record.Provider) Option {
	return func(o *options) { o.provider = p }
}

// Wrap instruments api. Wrapping the same client twice returns the existing
// wrapper.
func Wrap(ic *intercept.Interceptor, api API, opts ...Option) *Client {
	o := options{provider: record.ProviderOpenAI}
	for _, opt := range opts {
		opt(&o)
	}

	return intercept.Wrap(ic.Wraps(), api, func() *Client {
		root := ic.Scope(api, o.provider, "")
		chat := root.Child("chat")
		return &Client{
			api: api,
			Chat: &Chat{
				Completions: &ChatCompletions{api: api, scope: chat.Child("completions")},
			},
			Completions: &Completions{api: api, scope: root.Child("completions")},
			Embeddings:  &Embeddings{api: api, scope: root.Child("embeddings")},
		}
	}, nil)
}

// Unwrap returns the underlying client.
func (c *Client) Unwrap() API {
	return c.api
}

// Create records a chat completion.
func (c *ChatCompletions) Create(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	return intercept.Invoke(ctx, c.scope.Method("create"), req,
		func(ctx context.Context) (goopenai.ChatCompletionResponse, error) {
			return c.api.CreateChatCompletion(ctx, req)
		})
}

// Stream records a streaming chat completion once the stream ends, is
// closed, or fails. go-openai streams have a single reader, so chunks are
// observed as the caller receives them.
func (c *ChatCompletions) Stream(ctx context.Context, req goopenai.ChatCompletionRequest) (ChunkStream, error) {
	req.Stream = true
	return intercept.InvokeStream(ctx, c.scope.Method("create"), req,
		intercept.SingleConsumerOnly[goopenai.ChatCompletionStreamResponse](),
		func(ctx context.Context) (ChunkStream, error) {
			s, err := c.api.CreateChatCompletionStream(ctx, req)
			if err != nil || s == nil {
				return nil, err
			}
			return s, nil
		})
}

// Create records a legacy completion.
func (c *Completions) Create(ctx context.Context, req goopenai.CompletionRequest) (goopenai.CompletionResponse, error) {
	return intercept.Invoke(ctx, c.scope.Method("create"), req,
		func(ctx context.Context) (goopenai.CompletionResponse, error) {
			return c.api.CreateCompletion(ctx, req)
		})
}

// Create records an embeddings request.
func (e *Embeddings) Create(ctx context.Context, conv goopenai.EmbeddingRequestConverter) (goopenai.EmbeddingResponse, error) {
	var request any = conv
	if conv != nil {
		request = conv.Convert()
	}
	return intercept.Invoke(ctx, e.scope.Method("create"), request,
		func(ctx context.Context) (goopenai.EmbeddingResponse, error) {
			return e.api.CreateEmbeddings(ctx, conv)
		})
}
