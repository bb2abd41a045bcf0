package stream

import (
	"errors"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/HakAl/llmtap/internal/payload"
	"github.com/HakAl/llmtap/internal/provider"
	"github.com/HakAl/llmtap/internal/record"
)

// Result is the outcome of a finished stream.
type Result struct {
	// Response has the provider's non-streaming response shape.
	Response map[string]any

	// Usage is the merged raw usage object, nil when no chunk carried one.
	Usage map[string]any

	Tokens        record.Tokens
	Content       string
	ContentLength int
	FinishReason  string
	Model         string
	Chunks        int

	// Incomplete is set when the stream ended with an error or was
	// abandoned before it was exhausted.
	Incomplete bool
	Err        error
}

// state is the mutable accumulation shared by every family.
type state struct {
	content      strings.Builder
	usage        map[string]any
	finishReason string
	model        string
	id           string
	created      any

	// inputTokensFromStart is captured once and never overwritten.
	inputTokensFromStart *int

	tools map[int]*toolCall
}

type toolCall struct {
	ID        string
	Name      string
	Arguments strings.Builder

	// Raw holds a complete call when the provider sends it in one piece.
	Raw map[string]any
}

// family matches one provider's chunk shapes.
type family interface {
	// add folds a chunk into s and reports whether the chunk matched.
	add(s *state, chunk map[string]any) bool
	synthesize(s *state) map[string]any
}

// Accumulator folds the chunks of one streaming call into a Result.
// It is safe for concurrent use; Finish builds the Result exactly once.
type Accumulator struct {
	provider record.Provider
	family   family

	mu     sync.Mutex
	state  state
	chunks int
	result *Result
}

// NewAccumulator creates an accumulator for the given provider family.
func NewAccumulator(p record.Provider) *Accumulator {
	return &Accumulator{provider: p, family: familyFor(p)}
}

func familyFor(p record.Provider) family {
	switch p {
	case record.ProviderOpenAI:
		return openAIFamily{}
	case record.ProviderAnthropic:
		return anthropicFamily{}
	case record.ProviderGemini:
		return geminiFamily{}
	default:
		return customFamily{}
	}
}

// Add folds one chunk into the accumulated state. Chunks may be typed SDK
// values, maps, raw JSON or strings. Chunks that are not JSON objects and
// chunks added after Finish are ignored.
func (a *Accumulator) Add(chunk any) {
	obj, ok := payload.Object(chunk)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != nil {
		return
	}
	a.chunks++
	a.family.add(&a.state, obj)
}

// Finish closes the accumulator and returns the final result. err is the
// error that ended the stream; io.EOF and nil mean it was exhausted. Later
// calls return the first result unchanged.
func (a *Accumulator) Finish(err error) Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != nil {
		return *a.result
	}

	if errors.Is(err, io.EOF) {
		err = nil
	}

	s := &a.state
	content := s.content.String()
	res := &Result{
		Response:      a.family.synthesize(s),
		Usage:         s.usage,
		Tokens:        provider.ExtractTokens(a.provider, s.usage),
		Content:       content,
		ContentLength: utf8.RuneCountInString(content),
		FinishReason:  s.finishReason,
		Model:         s.model,
		Chunks:        a.chunks,
		Incomplete:    err != nil,
		Err:           err,
	}
	a.result = res
	return *res
}

// Abandon finishes the accumulator for a stream the caller stopped reading.
func (a *Accumulator) Abandon() Result {
	return a.Finish(errAbandoned)
}

var errAbandoned = errors.New("stream: abandoned before completion")

// IsAbandoned reports whether err marks a stream closed by its reader
// before completion.
func IsAbandoned(err error) bool {
	return errors.Is(err, errAbandoned)
}

// mergeUsage superimposes src over s.usage. Keys missing from src keep their
// previous value.
func (s *state) mergeUsage(src map[string]any) {
	if len(src) == 0 {
		return
	}
	if s.usage == nil {
		s.usage = make(map[string]any, len(src))
	}
	for k, v := range src {
		if v == nil {
			continue
		}
		s.usage[k] = v
	}
}

func (s *state) setFinish(reason string) {
	if reason != "" {
		s.finishReason = reason
	}
}

func (s *state) setModel(model string) {
	if s.model == "" {
		s.model = model
	}
}

func (s *state) setID(id string) {
	if s.id == "" {
		s.id = id
	}
}

func (s *state) tool(index int) *toolCall {
	if s.tools == nil {
		s.tools = make(map[int]*toolCall)
	}
	tc, ok := s.tools[index]
	if !ok {
		tc = &toolCall{}
		s.tools[index] = tc
	}
	return tc
}

// orderedTools returns the tool calls sorted by stream index.
func (s *state) orderedTools() []*toolCall {
	if len(s.tools) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.tools))
	for i := range s.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]*toolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, s.tools[i])
	}
	return out
}

// usageCopy returns a copy of the merged usage, or nil.
func (s *state) usageCopy() map[string]any {
	if s.usage == nil {
		return nil
	}
	return maps.Clone(s.usage)
}

// index reads a chunk's "index" field, defaulting to 0.
func index(m map[string]any) int {
	if i, ok := payload.Int(m, "index"); ok {
		return i
	}
	return 0
}
