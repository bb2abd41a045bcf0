// Package tokens estimates token counts for text whose usage the provider did
// not report.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with tiktoken encodings. Non-OpenAI models have no
// public tokenizer, so they are approximated with cl100k_base.
type Estimator struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an Estimator. Codecs load on first use.
func NewEstimator() *Estimator {
	return &Estimator{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count returns the number of tokens text encodes to under model's encoding.
func (e *Estimator) Count(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := e.codec(EncodingFor(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encoding text: %w", err)
	}
	return len(ids), nil
}

func (e *Estimator) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	e.mu.RLock()
	cached, ok := e.codecs[enc]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	e.mu.Lock()
	e.codecs[enc] = codec
	e.mu.Unlock()
	return codec, nil
}

// EncodingFor maps a model name to its tiktoken encoding.
func EncodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci" || model == "curie" || model == "babbage" || model == "ada":
		return tokenizer.R50kBase
	default:
		// gpt-4, gpt-3.5, embeddings, and every non-OpenAI model
		return tokenizer.Cl100kBase
	}
}
