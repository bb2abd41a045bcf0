// Package pricing estimates call cost from LiteLLM's model price table.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// LiteLLMPricingURL is the raw GitHub URL for LiteLLM's pricing JSON.
	LiteLLMPricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

	// DefaultTTL is how long cached pricing data stays fresh.
	DefaultTTL = 24 * time.Hour

	// DefaultTimeout bounds one fetch.
	DefaultTimeout = 30 * time.Second

	cacheFile = "litellm_pricing.json"
)

// ModelPrice is the per-1k-token price of one model.
type ModelPrice struct {
	Provider        string
	Model           string
	Mode            string
	InputCostPer1k  float64
	OutputCostPer1k float64
	MaxInputTokens  int
	MaxOutputTokens int
}

type litellmEntry struct {
	LiteLLMProvider    string   `json:"litellm_provider"`
	InputCostPerToken  *float64 `json:"input_cost_per_token"`
	OutputCostPerToken *float64 `json:"output_cost_per_token"`
	MaxInputTokens     int      `json:"max_input_tokens"`
	MaxOutputTokens    int      `json:"max_output_tokens"`
	Mode               string   `json:"mode"`
}

// Config configures a Source.
type Config struct {
	URL        string        // defaults to LiteLLMPricingURL
	CacheDir   string        // empty disables the disk cache
	TTL        time.Duration // 0 means DefaultTTL
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Source serves price lookups from memory, backed by a disk cache and the
// LiteLLM table.
type Source struct {
	cfg Config

	mu     sync.RWMutex
	prices map[string]*ModelPrice
}

// NewSource creates an empty source. Call Load before looking up prices.
func NewSource(cfg Config) *Source {
	if cfg.URL == "" {
		cfg.URL = LiteLLMPricingURL
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{cfg: cfg, prices: make(map[string]*ModelPrice)}
}

// Load reads a fresh cache, else fetches the table. A stale cache is used
// when the fetch fails.
func (s *Source) Load(ctx context.Context) error {
	if s.cfg.CacheDir != "" {
		fresh, err := s.loadFromCache()
		if err == nil && fresh {
			s.cfg.Logger.Debug("pricing loaded from cache", "models", s.Count())
			return nil
		}
	}

	data, err := s.fetch(ctx)
	if err != nil {
		if s.Count() > 0 {
			s.cfg.Logger.Warn("failed to fetch pricing, using stale cache", "error", err)
			return nil
		}
		return fmt.Errorf("fetching pricing: %w", err)
	}
	if err := s.parseAndLoad(data); err != nil {
		return err
	}

	if s.cfg.CacheDir != "" {
		if err := s.saveToCache(data); err != nil {
			s.cfg.Logger.Warn("failed to cache pricing", "error", err)
		}
	}
	return nil
}

// GetPrice looks up a model, falling back to its undated name and then to
// the longest known prefix.
func (s *Source) GetPrice(provider, model string) *ModelPrice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provider = normalizeProvider(provider)
	key := normalizeModelKey(provider, model)
	if price, ok := s.prices[key]; ok {
		return price
	}

	if base := stripModelVersion(model); base != model {
		key = normalizeModelKey(provider, base)
		if price, ok := s.prices[key]; ok {
			return price
		}
	}

	var best *ModelPrice
	bestLen := 0
	for k, price := range s.prices {
		if strings.HasPrefix(key, k) && len(k) > bestLen {
			best, bestLen = price, len(k)
		}
	}
	return best
}

// Cost returns the estimated USD cost of the given token counts.
func (s *Source) Cost(provider, model string, input, output int) (float64, bool) {
	price := s.GetPrice(provider, model)
	if price == nil {
		return 0, false
	}
	return float64(input)/1000*price.InputCostPer1k + float64(output)/1000*price.OutputCostPer1k, true
}

// Count returns the number of loaded models.
func (s *Source) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}

func (s *Source) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "llmtap/1.0")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, s.cfg.URL)
	}
	return io.ReadAll(resp.Body)
}

func (s *Source) parseAndLoad(data []byte) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing pricing JSON: %w", err)
	}

	prices := make(map[string]*ModelPrice, len(entries))
	for name, raw := range entries {
		// The table carries a "sample_spec" entry with string costs.
		var entry litellmEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		switch entry.Mode {
		case "", "chat", "completion", "embedding":
		default:
			continue
		}
		if entry.InputCostPerToken == nil {
			continue
		}

		provider := normalizeProvider(entry.LiteLLMProvider)
		price := &ModelPrice{
			Provider:        provider,
			Model:           name,
			Mode:            entry.Mode,
			InputCostPer1k:  *entry.InputCostPerToken * 1000,
			MaxInputTokens:  entry.MaxInputTokens,
			MaxOutputTokens: entry.MaxOutputTokens,
		}
		if entry.OutputCostPerToken != nil {
			price.OutputCostPer1k = *entry.OutputCostPerToken * 1000
		}
		// Bare names win over provider/-prefixed aliases of the same model.
		key := normalizeModelKey(provider, name)
		if prev, ok := prices[key]; ok && !strings.Contains(prev.Model, "/") {
			continue
		}
		prices[key] = price
	}

	s.mu.Lock()
	s.prices = prices
	s.mu.Unlock()
	return nil
}

// loadFromCache loads the cache file and reports whether it is within TTL.
func (s *Source) loadFromCache() (fresh bool, err error) {
	path := s.cachePath()
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if err := s.parseAndLoad(data); err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) <= s.cfg.TTL, nil
}

func (s *Source) saveToCache(data []byte) error {
	if err := os.MkdirAll(s.cfg.CacheDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(s.cachePath(), data, 0600)
}

func (s *Source) cachePath() string {
	return filepath.Join(s.cfg.CacheDir, cacheFile)
}

// normalizeProvider maps LiteLLM provider names onto record provider tags.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	switch {
	case strings.Contains(provider, "anthropic"):
		return "anthropic"
	case strings.Contains(provider, "azure"):
		return "azure"
	case strings.Contains(provider, "openai"), strings.Contains(provider, "text-completion"):
		return "openai"
	case strings.Contains(provider, "gemini"), strings.Contains(provider, "vertex"), strings.Contains(provider, "google"):
		return "gemini"
	case strings.Contains(provider, "bedrock"):
		return "bedrock"
	default:
		return provider
	}
}

// normalizeModelKey strips LiteLLM's provider/ prefixes and lowercases.
func normalizeModelKey(provider, model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return provider + "/" + model
}

// stripModelVersion drops a trailing YYYYMMDD or YYYY-MM-DD date.
func stripModelVersion(model string) string {
	parts := strings.Split(model, "-")
	n := len(parts)
	if n >= 2 && isDigits(parts[n-1], 8) {
		return strings.Join(parts[:n-1], "-")
	}
	if n >= 4 && isDigits(parts[n-3], 4) && isDigits(parts[n-2], 2) && isDigits(parts[n-1], 2) {
		return strings.Join(parts[:n-3], "-")
	}
	return model
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
