package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/escanlabs/escan/internal/ratelimit"
)

// Tool is a named, schema-validated unit of server-side functionality.
type Tool struct {
	Name           string
	Description    string
	SuperAdminOnly bool
	Input          *Schema
	Quota          ratelimit.Quota
	Execute        func(ctx context.Context, call *Call) (any, error)
}

// Registry holds the dispatchable tool set.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names are a programming error.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register with empty name")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: duplicate tool %q", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Info is the listable surface of a tool.
type Info struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	SuperAdminOnly bool   `json:"superAdminOnly,omitempty"`
}

// List returns tool descriptions sorted by name. Admin-only tools are
// included only for elevated callers.
func (r *Registry) List(elevated bool) []Info {
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		if t.SuperAdminOnly && !elevated {
			continue
		}
		out = append(out, Info{
			Name:           t.Name,
			Description:    t.Description,
			SuperAdminOnly: t.SuperAdminOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
