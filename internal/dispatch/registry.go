package dispatch

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/graph"
)

// ErrUnknownLanguage is returned by Lookup when no handler is registered
// for a target's LanguageTag (spec §7 error taxonomy: unresolvable
// dependency class of errors covers unregistered languages too).
var ErrUnknownLanguage = xerrors.New("dispatch: no handler registered for language")

// Registry is a table-driven handler lookup keyed by LanguageTag, the
// generalization of what a single build() function containing one big
// switch over language, or a per-language subclass, would otherwise do
// (Design Notes §9: no inheritance, no global singleton — a Registry is
// an explicit value the engine owns and passes down).
type Registry struct {
	mu       sync.RWMutex
	handlers map[graph.LanguageTag]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[graph.LanguageTag]Handler)}
}

// Register adds h under its own LanguageTag. Registering the same tag
// twice is an error: handlers are looked up by a single source of truth,
// never shadowed.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := h.LanguageTag()
	if _, exists := r.handlers[tag]; exists {
		return xerrors.Errorf("dispatch: handler already registered for %q", tag)
	}
	r.handlers[tag] = h
	return nil
}

// Lookup returns the handler registered for tag, if any.
func (r *Registry) Lookup(tag graph.LanguageTag) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tag]
	if !ok {
		return nil, xerrors.Errorf("dispatch: language %q: %w", tag, ErrUnknownLanguage)
	}
	return h, nil
}

// Languages returns every registered LanguageTag, for diagnostics.
func (r *Registry) Languages() []graph.LanguageTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]graph.LanguageTag, 0, len(r.handlers))
	for tag := range r.handlers {
		out = append(out, tag)
	}
	return out
}
