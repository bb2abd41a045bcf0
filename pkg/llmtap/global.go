package llmtap

import (
	"context"
	"log/slog"
	"sync"

	"github.com/HakAl/llmtap/internal/adapters/anthropic"
	"github.com/HakAl/llmtap/internal/adapters/gemini"
	"github.com/HakAl/llmtap/internal/adapters/openai"
	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/intercept"
)

const initPatch = "llmtap.Init"

var (
	globalMu sync.Mutex
	global   *Tap
	patches  = intercept.NewPatchRegistry()
)

// Init sets up the process-wide Tap used by the package-level Wrap
// functions. Only the first call builds it; later calls return the same Tap
// until Shutdown.
func Init(cfg *config.Config, opts ...Option) (*Tap, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	var err error
	patches.Once(initPatch, func() {
		var t *Tap
		t, err = New(cfg, opts...)
		if err != nil {
			patches.Reset()
			return
		}
		if global != nil {
			// A discard Tap handed out before Init holds no resources.
			_ = global.Shutdown(context.Background())
		}
		global = t
	})
	if err != nil {
		return nil, err
	}
	return global, nil
}

// Default returns the process-wide Tap. Before Init it returns a Tap that
// discards every record.
func Default() *Tap {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = discardTap()
	}
	return global
}

func discardTap() *Tap {
	cfg := config.DefaultConfig()
	cfg.Capture.Enabled = false
	cfg.Capture.EstimateTokens = false
	cfg.Store.Enabled = false
	t, err := New(cfg)
	if err != nil {
		slog.Default().Error("failed to build discard tap", "error", err)
	}
	return t
}

// Shutdown shuts down the process-wide Tap and allows Init to run again.
func Shutdown(ctx context.Context) error {
	globalMu.Lock()
	t := global
	global = nil
	patches.Reset()
	globalMu.Unlock()

	if t == nil {
		return nil
	}
	return t.Shutdown(ctx)
}

// WrapOpenAI instruments api with the process-wide Tap.
func WrapOpenAI(api openai.API, opts ...openai.Option) *openai.Client {
	return Default().WrapOpenAI(api, opts...)
}

// WrapAnthropic instruments api with the process-wide Tap.
func WrapAnthropic(api anthropic.API, opts ...anthropic.Option) *anthropic.Client {
	return Default().WrapAnthropic(api, opts...)
}

// WrapGemini instruments api with the process-wide Tap.
func WrapGemini(api gemini.API, opts ...gemini.Option) *gemini.Client {
	return Default().WrapGemini(api, opts...)
}

// SetMetadata attaches key=value to every later record of the process-wide
// Tap.
func SetMetadata(key string, value any) {
	Default().SetMetadata(key, value)
}
