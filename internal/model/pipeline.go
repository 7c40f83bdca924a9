package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// SourceInput is the InputRef step name that selects the project's raw
// imported records instead of an upstream step output.
const SourceInput = "sources"

// DefaultOutput is the output consumed downstream when a reference does not
// name one explicitly.
const DefaultOutput = "passed"

// Project owns a set of imported sources and exactly one pipeline.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InputRef names where a step reads its input from: either the project
// sources (Step == SourceInput) or a declared output of an earlier step.
type InputRef struct {
	Step   string `json:"step"`
	Output string `json:"output,omitempty"`
}

// FromSources reports whether the reference points at the raw source set.
func (r InputRef) FromSources() bool {
	return r.Step == "" || r.Step == SourceInput
}

// OutputName returns the referenced output, defaulting to DefaultOutput.
func (r InputRef) OutputName() string {
	if r.Output == "" {
		return DefaultOutput
	}
	return r.Output
}

// Step is one named stage in a project's linear pipeline.
type Step struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	InputFrom InputRef       `json:"input_from"`
	Config    map[string]any `json:"config,omitempty"`
}

// ConfigFingerprint returns a stable serialization of the step config, used
// to detect config changes between runs.
func (s Step) ConfigFingerprint() string {
	b, err := json.Marshal(s.Config)
	if err != nil {
		return ""
	}
	return string(b)
}

// Pipeline is the ordered step sequence owned by a project.
type Pipeline struct {
	ProjectID string `json:"project_id"`
	Steps     []Step `json:"steps"`
}

// FindStep returns the step with the given id and its index, or -1.
func (p *Pipeline) FindStep(stepID string) (*Step, int) {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return &p.Steps[i], i
		}
	}
	return nil, -1
}

// Validate checks the structural invariants of the pipeline: unique step ids,
// and input references that point only at the source set or an earlier step.
// Forward references and self-references are invalid.
func (p *Pipeline) Validate() error {
	seen := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return eris.Errorf("pipeline: step at index %d has empty id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return eris.Errorf("pipeline: duplicate step id %q", s.ID)
		}
		seen[s.ID] = i

		if s.InputFrom.FromSources() {
			continue
		}
		ref, ok := seen[s.InputFrom.Step]
		if !ok {
			return eris.Errorf("pipeline: step %q references %q which is not an earlier step", s.ID, s.InputFrom.Step)
		}
		if ref == i {
			return eris.Errorf("pipeline: step %q references itself", s.ID)
		}
	}
	return nil
}

// Downstream returns the ids of all steps after the given index. The pipeline
// is a strict linear chain, so every later step is (transitively) downstream.
func (p *Pipeline) Downstream(index int) []string {
	var ids []string
	for i := index + 1; i < len(p.Steps); i++ {
		ids = append(ids, p.Steps[i].ID)
	}
	return ids
}
