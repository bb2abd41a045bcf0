// Package metadata holds the ambient key/value pairs attached to every
// interaction: process-wide globals plus values carried on a context.
package metadata

import (
	"context"
	"maps"
	"sync"
)

// WorkflowIDKey is the metadata key set by WithWorkflow.
const WorkflowIDKey = "workflow_id"

// valuesKey identifies context-scoped metadata.
type valuesKey struct{}

// Context stores global metadata. Per-call metadata travels on
// context.Context values and overrides globals with the same key.
type Context struct {
	mu     sync.RWMutex
	global map[string]any
}

// New creates an empty metadata context.
func New() *Context {
	return &Context{global: make(map[string]any)}
}

// Set sets a global value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global[key] = value
}

// Merge sets several global values.
func (c *Context) Merge(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.global, values)
}

// Delete removes a global value.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.global, key)
}

// Clear removes every global value.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.global)
}

// Snapshot returns a fresh map with the globals overlaid by the values on
// ctx. The result is owned by the caller.
func (c *Context) Snapshot(ctx context.Context) map[string]any {
	c.mu.RLock()
	out := maps.Clone(c.global)
	c.mu.RUnlock()
	if out == nil {
		out = make(map[string]any)
	}
	if ctx != nil {
		maps.Copy(out, FromContext(ctx))
	}
	return out
}

// WithValues returns a context carrying values on top of any already on ctx.
// The stored map is a copy; later changes to values are not seen.
func WithValues(ctx context.Context, values map[string]any) context.Context {
	merged := maps.Clone(FromContext(ctx))
	if merged == nil {
		merged = make(map[string]any, len(values))
	}
	maps.Copy(merged, values)
	return context.WithValue(ctx, valuesKey{}, merged)
}

// WithValue returns a context carrying one more value.
func WithValue(ctx context.Context, key string, value any) context.Context {
	return WithValues(ctx, map[string]any{key: value})
}

// WithWorkflow tags every call made with the returned context with a
// workflow ID.
func WithWorkflow(ctx context.Context, workflowID string) context.Context {
	return WithValue(ctx, WorkflowIDKey, workflowID)
}

// FromContext returns the values carried on ctx. The map must not be modified.
func FromContext(ctx context.Context) map[string]any {
	values, _ := ctx.Value(valuesKey{}).(map[string]any)
	return values
}
