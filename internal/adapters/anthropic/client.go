package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/HakAl/llmtap/internal/parser"
	"github.com/HakAl/llmtap/internal/stream"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL sets the API base URL.
func WithBaseURL(baseURL string) HTTPOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// HTTPClient is a minimal Messages API client.
type HTTPClient struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewHTTPClient creates a Messages API client.
func NewHTTPClient(apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{apiKey: apiKey, baseURL: defaultBaseURL, hc: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// CreateMessage sends a non-streaming request.
func (c *HTTPClient) CreateMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	body := *req
	body.Stream = false

	resp, err := c.post(ctx, &body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// StreamMessage sends a streaming request. Error events in the stream end
// it with an error wrapping parser.ErrStreamError.
func (c *HTTPClient) StreamMessage(ctx context.Context, req *MessageRequest) (stream.Stream[StreamEvent], error) {
	body := *req
	body.Stream = true

	resp, err := c.post(ctx, &body)
	if err != nil {
		return nil, err
	}
	return parser.NewJSONStream[StreamEvent](resp.Body, checkEvent), nil
}

func checkEvent(ev parser.Event) error {
	if ev.Type == "error" {
		return fmt.Errorf("%w: %s", parser.ErrStreamError, ev.Data)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, req *MessageRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var envelope struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Message == "" {
		return &APIError{StatusCode: resp.StatusCode, Type: "api_error", Message: strings.TrimSpace(string(raw))}
	}
	envelope.Error.StatusCode = resp.StatusCode
	return &envelope.Error
}
