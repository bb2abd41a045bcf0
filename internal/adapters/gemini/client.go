package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/HakAl/llmtap/internal/parser"
	"github.com/HakAl/llmtap/internal/stream"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL sets the API base URL, including the version segment.
func WithBaseURL(baseURL string) HTTPOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// HTTPClient is a minimal generateContent client.
type HTTPClient struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewHTTPClient creates a Gemini API client.
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

// GenerateContent sends a non-streaming request.
func (c *HTTPClient) GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	resp, err := c.post(ctx, model, "generateContent", nil, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out GenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// GenerateContentStream sends a streaming request.
func (c *HTTPClient) GenerateContentStream(ctx context.Context, model string, req *GenerateContentRequest) (stream.Stream[GenerateContentResponse], error) {
	resp, err := c.post(ctx, model, "streamGenerateContent", url.Values{"alt": {"sse"}}, req)
	if err != nil {
		return nil, err
	}
	return parser.NewJSONStream[GenerateContentResponse](resp.Body, checkEvent), nil
}

// checkEvent ends the stream on an in-band error object.
func checkEvent(ev parser.Event) error {
	if !strings.Contains(ev.Data, `"error"`) {
		return nil
	}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", parser.ErrStreamError, envelope.Error.Message)
}

func (c *HTTPClient) post(ctx context.Context, model, action string, query url.Values, req *GenerateContentRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	target := fmt.Sprintf("%s/models/%s:%s", c.baseURL, url.PathEscape(strings.TrimPrefix(model, "models/")), action)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == nil {
		return &APIError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	return envelope.Error
}
