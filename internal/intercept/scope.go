package intercept

import (
	"strings"

	"github.com/HakAl/llmtap/internal/record"
)

// excludedNames are object-protocol members that are never observed.
var excludedNames = map[string]struct{}{
	"String":        {},
	"GoString":      {},
	"Format":        {},
	"Error":         {},
	"Unwrap":        {},
	"MarshalJSON":   {},
	"UnmarshalJSON": {},
	"then":          {},
	"constructor":   {},
	"toString":      {},
	"valueOf":       {},
}

// Excluded reports whether a member name is passed through unobserved:
// object-protocol members and anything with a leading underscore.
func Excluded(name string) bool {
	if strings.HasPrefix(name, "_") {
		return true
	}
	_, ok := excludedNames[name]
	return ok
}

// Scope is a position inside a wrapped client, e.g. "chat.completions".
type Scope struct {
	ic       *Interceptor
	client   any
	provider record.Provider
	path     string
	excluded bool
}

// Scope starts a path for a wrapped client. An empty override leaves the
// provider to the classifier.
func (ic *Interceptor) Scope(client any, override record.Provider, prefix string) Scope {
	s := Scope{ic: ic, client: client, provider: override}
	if prefix != "" {
		s = s.Child(prefix)
	}
	return s
}

// Child returns the scope for a nested namespace.
func (s Scope) Child(name string) Scope {
	child := s
	child.path = join(s.path, name)
	child.excluded = s.excluded || Excluded(name)
	return child
}

// Method returns the descriptor for a call to name within s.
func (s Scope) Method(name string) Call {
	return Call{
		scope:    s,
		path:     join(s.path, name),
		excluded: s.excluded || Excluded(name),
	}
}

// Path returns the dotted path of s.
func (s Scope) Path() string {
	return s.path
}

// Interceptor returns the interceptor s belongs to.
func (s Scope) Interceptor() *Interceptor {
	return s.ic
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// Call describes one observed method.
type Call struct {
	scope    Scope
	path     string
	excluded bool
}

// Path returns the dotted method path recorded as metadata "method".
func (c Call) Path() string {
	return c.path
}

// Observed reports whether calls through c produce records.
func (c Call) Observed() bool {
	return !c.excluded && c.scope.ic != nil
}
