// Package step defines the handler contract for pipeline steps and the
// concrete handlers for deduplication, AI screening, and PDF fetching.
package step

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
)

// OutputDefinition declares one named output a step type produces.
type OutputDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Result is what a handler returns from Run: the named output collections,
// exactly one ChangeRecord per input entry, and handler-specific details
// (cluster payloads, token totals) persisted alongside the run.
type Result struct {
	Outputs map[string][]model.Entry
	Changes []model.ChangeRecord
	Details map[string]any
}

// Context carries per-run collaborator state into a handler: reviewer cluster
// overrides for dedup re-runs. Handlers must not mutate it.
type Context struct {
	ClusterOverrides map[string]model.ClusterOverride
}

// Handler is implemented by every step type. Run must be a pure function of
// its inputs: same entries, config, and overrides produce the same result.
// Output entries are always a subset of the input entries.
type Handler interface {
	Type() string
	Name() string
	Description() string
	Outputs() []OutputDefinition
	ConfigSchema() Schema

	Run(ctx context.Context, entries []model.Entry, cfg Config, rc *Context) (*Result, error)
}

// Registry maps step type identifiers to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates a registry with the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// Get returns the handler for a step type.
func (r *Registry) Get(stepType string) (Handler, error) {
	h, ok := r.handlers[stepType]
	if !ok {
		return nil, eris.Errorf("step: unknown step type %q", stepType)
	}
	return h, nil
}

// Types returns the registered step type identifiers, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateResult checks the handler contract: one ChangeRecord per input
// entry (no drops, no duplicates) and no fabricated output entries.
func ValidateResult(entries []model.Entry, res *Result) error {
	inputIDs := make(map[string]bool, len(entries))
	for _, e := range entries {
		inputIDs[e.ID] = true
	}

	seen := make(map[string]bool, len(res.Changes))
	for _, c := range res.Changes {
		if !inputIDs[c.Key] {
			return eris.Errorf("step: change record for unknown entry %q", c.Key)
		}
		if seen[c.Key] {
			return eris.Errorf("step: duplicate change record for entry %q", c.Key)
		}
		seen[c.Key] = true
	}
	if len(seen) != len(entries) {
		return eris.Errorf("step: %d input entries but %d change records", len(entries), len(seen))
	}

	for name, out := range res.Outputs {
		for _, e := range out {
			if !inputIDs[e.ID] {
				return eris.Errorf("step: output %q contains fabricated entry %q", name, e.ID)
			}
		}
	}
	return nil
}

// outputDescription returns the declared description for an output name.
func outputDescription(defs []OutputDefinition, name string) string {
	for _, d := range defs {
		if d.Name == name {
			return d.Description
		}
	}
	return ""
}
