package plugins

import (
	"fmt"

	"github.com/docuroom/docuroom/internal/docs"
)

// Registry maps content type tags onto their plugin implementations. Built
// once at startup; lookups at revision-build time are read-only.
type Registry struct {
	byType map[string]docs.ContentPlugin
}

// NewRegistry registers the given plugins. Duplicate type tags are a wiring
// bug and fail loudly.
func NewRegistry(plugins ...docs.ContentPlugin) (*Registry, error) {
	r := &Registry{byType: make(map[string]docs.ContentPlugin, len(plugins))}
	for _, p := range plugins {
		tag := p.Type()
		if _, dup := r.byType[tag]; dup {
			return nil, fmt.Errorf("duplicate content plugin for type %q", tag)
		}
		r.byType[tag] = p
	}
	return r, nil
}

// DefaultRegistry wires up every built-in content type.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Markdown{}, Image{}, Quiz{})
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(typeTag string) (docs.ContentPlugin, bool) {
	p, ok := r.byType[typeTag]
	return p, ok
}

// Types returns the registered type tags (diagnostics endpoint).
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for tag := range r.byType {
		out = append(out, tag)
	}
	return out
}

func violation(field, message string) docs.Violation {
	return docs.Violation{Field: field, Message: message}
}

func validationError(violations ...docs.Violation) error {
	return &docs.ValidationError{Violations: violations}
}

// stringField reads a string-typed field, tolerating absence as "".
func stringField(content docs.Content, field string) (string, bool) {
	v, ok := content[field]
	if !ok || v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}
