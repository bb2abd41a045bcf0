// Package redact scrubs credentials and inline images from recorded payloads.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/payload"
	"github.com/HakAl/llmtap/internal/record"
)

const (
	// RedactedValue is the replacement for redacted content.
	RedactedValue = "[REDACTED]"

	// RedactedImageValue is the replacement for redacted base64 images.
	RedactedImageValue = "[IMAGE base64 redacted]"
)

var (
	apiKeyPattern  = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,}|key-[a-zA-Z0-9_-]{20,}|api[_-]?key[=:]["']?[a-zA-Z0-9_-]{20,})`)
	dataURLPattern = regexp.MustCompile(`(?i)(data:image/[^;]+;base64,)[A-Za-z0-9+/=]{100,}`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/]{100,}={0,2}$`)
)

// Redactor rewrites interaction records in place.
type Redactor struct {
	cfg      config.RedactionConfig
	fields   map[string]bool
	patterns []*regexp.Regexp
}

// New compiles cfg. Invalid field patterns are an error.
func New(cfg config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{
		cfg:    cfg,
		fields: make(map[string]bool, len(cfg.Fields)),
	}
	for _, f := range cfg.Fields {
		r.fields[strings.ToLower(f)] = true
	}
	for _, p := range cfg.FieldPatterns {
		re, err := regexp.Compile("(?i)^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("compiling field pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact scrubs the request, response, error message and metadata of rec.
// Caller-owned payloads are never mutated: the record gets scrubbed copies.
func (r *Redactor) Redact(rec *record.Interaction) {
	if rec == nil {
		return
	}
	rec.Request = r.Payload(rec.Request)
	rec.Response = r.Payload(rec.Response)
	rec.ErrorMessage = r.String(rec.ErrorMessage)
	if rec.Metadata != nil {
		rec.Metadata = r.object(rec.Metadata)
	}
}

// Payload returns a scrubbed copy of v. Typed values are converted to their
// JSON object form first; values that are not objects are returned unchanged.
func (r *Redactor) Payload(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(t)
	case map[string]any:
		return r.object(t)
	}
	m, ok := payload.Object(v)
	if !ok {
		return v
	}
	return r.object(m)
}

// FieldShouldRedact reports whether values under key are always replaced.
func (r *Redactor) FieldShouldRedact(key string) bool {
	if r.fields[strings.ToLower(key)] {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (r *Redactor) object(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.FieldShouldRedact(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = r.value(v)
	}
	if r.cfg.RedactBase64Images && isBase64Source(out) {
		out["data"] = RedactedImageValue
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.object(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.value(e)
		}
		return out
	case string:
		return r.String(t)
	}
	return v
}

// isBase64Source matches Anthropic image sources and Gemini inline data.
func isBase64Source(m map[string]any) bool {
	data, ok := m["data"].(string)
	if !ok || data == RedactedImageValue {
		return false
	}
	if typ, _ := m["type"].(string); typ == "base64" {
		return true
	}
	_, hasMime := m["mimeType"]
	return hasMime && base64Pattern.MatchString(data)
}

// String scrubs API keys and image data URLs from s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	if r.cfg.RedactAPIKeys {
		s = apiKeyPattern.ReplaceAllStringFunc(s, redactKey)
	}
	if r.cfg.RedactBase64Images {
		s = dataURLPattern.ReplaceAllString(s, "${1}"+RedactedImageValue)
	}
	return s
}

// redactKey keeps the key prefix for context.
func redactKey(match string) string {
	lower := strings.ToLower(match)
	switch {
	case strings.HasPrefix(lower, "sk-"):
		return "sk-" + RedactedValue
	case strings.HasPrefix(lower, "key-"):
		return "key-" + RedactedValue
	}
	if i := strings.IndexAny(match, "=:"); i >= 0 {
		return match[:i+1] + RedactedValue
	}
	return RedactedValue
}
