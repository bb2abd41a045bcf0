package intercept

import (
	"reflect"
	"sync"
)

// WrapRegistry maps clients to their wrappers so a client reached twice,
// directly or through a cycle, is wrapped once.
type WrapRegistry struct {
	mu       sync.Mutex
	wrappers map[any]any
	isWrap   map[any]struct{}
}

// NewWrapRegistry creates an empty registry.
func NewWrapRegistry() *WrapRegistry {
	return &WrapRegistry{
		wrappers: make(map[any]any),
		isWrap:   make(map[any]struct{}),
	}
}

// Wrap returns the wrapper registered for client, or registers the one
// create builds. init, when not nil, runs after registration, so it may reach
// client again and get the same wrapper back. Wrapping a wrapper returns it.
// Clients of non-comparable types are wrapped afresh each time.
func Wrap[W any](r *WrapRegistry, client any, create func() W, init func(W)) W {
	if !hashable(client) {
		w := create()
		if init != nil {
			init(w)
		}
		return w
	}

	r.mu.Lock()
	if w, ok := r.wrappers[client]; ok {
		r.mu.Unlock()
		return w.(W)
	}
	if _, ok := r.isWrap[client]; ok {
		if w, ok := client.(W); ok {
			r.mu.Unlock()
			return w
		}
	}

	w := create()
	r.wrappers[client] = w
	if hashable(w) {
		r.isWrap[any(w)] = struct{}{}
	}
	r.mu.Unlock()

	if init != nil {
		init(w)
	}
	return w
}

// Lookup returns the wrapper registered for client.
func (r *WrapRegistry) Lookup(client any) (any, bool) {
	if !hashable(client) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wrappers[client]
	return w, ok
}

// Len returns the number of wrapped clients.
func (r *WrapRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wrappers)
}

// Reset forgets every wrapper.
func (r *WrapRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.wrappers)
	clear(r.isWrap)
}

func hashable(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}

// PatchRegistry remembers which one-time entry points have run.
type PatchRegistry struct {
	mu      sync.Mutex
	patched map[any]struct{}
}

// NewPatchRegistry creates an empty registry.
func NewPatchRegistry() *PatchRegistry {
	return &PatchRegistry{patched: make(map[any]struct{})}
}

// IsPatched reports whether id was marked.
func (r *PatchRegistry) IsPatched(id any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.patched[id]
	return ok
}

// MarkPatched marks id.
func (r *PatchRegistry) MarkPatched(id any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patched[id] = struct{}{}
}

// Once runs fn and marks id unless id was already marked. The check and the
// mark are atomic. It reports whether fn ran.
func (r *PatchRegistry) Once(id any, fn func()) bool {
	r.mu.Lock()
	if _, ok := r.patched[id]; ok {
		r.mu.Unlock()
		return false
	}
	r.patched[id] = struct{}{}
	r.mu.Unlock()

	fn()
	return true
}

// Reset forgets every mark.
func (r *PatchRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.patched)
}
