package provider

import (
	"path"
	"reflect"

	"github.com/HakAl/llmtap/internal/payload"
	"github.com/HakAl/llmtap/internal/record"
)

// baseURLer is implemented by clients that expose their API endpoint.
type baseURLer interface {
	BaseURL() string
}

// Classifier decides which provider rules apply to a call.
type Classifier struct {
	registry *Registry
}

// NewClassifier creates a classifier over the given registry.
// A nil registry uses NewRegistry.
func NewClassifier(r *Registry) *Classifier {
	if r == nil {
		r = NewRegistry()
	}
	return &Classifier{registry: r}
}

// Classify returns the provider tag for a call. Rules are applied in order
// and the first match wins:
//
//  1. a valid explicit override
//  2. the request's model name
//  3. the client's type name or base URL host
//  4. the client's method set
//
// Anything else is custom. Classify never panics on odd inputs.
func (c *Classifier) Classify(request any, client any, override record.Provider) (p record.Provider) {
	defer func() {
		if recover() != nil {
			p = record.ProviderCustom
		}
	}()

	if override.Valid() {
		return override
	}

	if req, ok := payload.Object(request); ok {
		if model := payload.String(req, "model"); model != "" {
			if prov := c.byModel(model); prov != nil {
				return prov.Name()
			}
		}
	}

	if client != nil {
		if prov := c.byIdentity(client); prov != nil {
			return prov.Name()
		}
		if prov := c.byCapability(client); prov != nil {
			return prov.Name()
		}
	}

	return record.ProviderCustom
}

// ByModel returns the provider tag for a model name, or custom.
func (c *Classifier) ByModel(model string) record.Provider {
	if prov := c.byModel(model); prov != nil {
		return prov.Name()
	}
	return record.ProviderCustom
}

func (c *Classifier) byModel(model string) Provider {
	for _, prov := range c.registry.providers {
		if prov.MatchModel(model) {
			return prov
		}
	}
	return nil
}

func (c *Classifier) byIdentity(client any) Provider {
	typeName := typeNameOf(client)
	if typeName != "" {
		for _, prov := range c.registry.providers {
			if prov.MatchIdentity(typeName) {
				return prov
			}
		}
	}

	if b, ok := client.(baseURLer); ok {
		if host := HostOf(b.BaseURL()); host != "" {
			return c.registry.Detect(host)
		}
	}
	return nil
}

func (c *Classifier) byCapability(client any) Provider {
	v := reflect.ValueOf(client)
	for _, prov := range c.registry.providers {
		for _, name := range prov.Capabilities() {
			if v.MethodByName(name).IsValid() {
				return prov
			}
		}
	}
	return nil
}

// typeNameOf returns the type name of v qualified by the last element of
// its package path, with pointers removed, e.g. "go-openai.Client".
func typeNameOf(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.Name()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}
