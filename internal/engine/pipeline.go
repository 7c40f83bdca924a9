package engine

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
)

// SetPipeline validates and persists a full pipeline definition. Every step
// type must be registered and every input reference must point at the source
// set or an earlier step.
func (e *Engine) SetPipeline(ctx context.Context, p *model.Pipeline) error {
	if err := e.checkPipeline(p); err != nil {
		return err
	}
	return e.store.SavePipeline(ctx, p)
}

// GetPipeline returns the project's pipeline definition.
func (e *Engine) GetPipeline(ctx context.Context, projectID string) (*model.Pipeline, error) {
	return e.store.GetPipeline(ctx, projectID)
}

// AddStep appends a step to the pipeline. An empty input reference chains
// the step onto the default output of the last existing step, or the source
// set when the pipeline is empty.
func (e *Engine) AddStep(ctx context.Context, projectID string, s model.Step) (*model.Pipeline, error) {
	handler, err := e.registry.Get(s.Type)
	if err != nil {
		return nil, err
	}
	validated, err := handler.ConfigSchema().Validate(s.Config)
	if err != nil {
		return nil, err
	}
	s.Config = validated

	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if dup, _ := pipe.FindStep(s.ID); dup != nil {
		return nil, eris.Errorf("engine: step id %q already in pipeline", s.ID)
	}
	if s.InputFrom == (model.InputRef{}) && len(pipe.Steps) > 0 {
		s.InputFrom = model.InputRef{Step: pipe.Steps[len(pipe.Steps)-1].ID}
	}

	pipe.Steps = append(pipe.Steps, s)
	if err := e.checkPipeline(pipe); err != nil {
		return nil, err
	}
	if err := e.store.SavePipeline(ctx, pipe); err != nil {
		return nil, err
	}
	return pipe, nil
}

// UpdateStep replaces a step definition in place. The step's id and type are
// immutable; config and input changes take effect via the read-side
// projection, which reports the step as pending until it is re-run.
func (e *Engine) UpdateStep(ctx context.Context, projectID string, s model.Step) (*model.Pipeline, error) {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	existing, idx := pipe.FindStep(s.ID)
	if existing == nil {
		return nil, eris.Errorf("engine: step %q not found", s.ID)
	}
	if s.Type != existing.Type {
		return nil, eris.Errorf("engine: step %q type cannot change from %q to %q", s.ID, existing.Type, s.Type)
	}
	handler, err := e.registry.Get(s.Type)
	if err != nil {
		return nil, err
	}
	validated, err := handler.ConfigSchema().Validate(s.Config)
	if err != nil {
		return nil, err
	}
	s.Config = validated

	pipe.Steps[idx] = s
	if err := e.checkPipeline(pipe); err != nil {
		return nil, err
	}
	if err := e.store.SavePipeline(ctx, pipe); err != nil {
		return nil, err
	}
	return pipe, nil
}

// MoveStep moves a step to a new position in the chain. The reordered
// pipeline must still validate, so a step cannot move ahead of the step it
// reads from.
func (e *Engine) MoveStep(ctx context.Context, projectID, stepID string, newIndex int) (*model.Pipeline, error) {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return nil, eris.Errorf("engine: step %q not found", stepID)
	}
	if newIndex < 0 || newIndex >= len(pipe.Steps) {
		return nil, eris.Errorf("engine: position %d out of range", newIndex)
	}

	moved := pipe.Steps[idx]
	pipe.Steps = append(pipe.Steps[:idx], pipe.Steps[idx+1:]...)
	pipe.Steps = append(pipe.Steps[:newIndex], append([]model.Step{moved}, pipe.Steps[newIndex:]...)...)
	if err := pipe.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SavePipeline(ctx, pipe); err != nil {
		return nil, err
	}
	return pipe, nil
}

// DeleteStep removes a step and all of its artifacts: run history, review
// overlay, and cluster overrides. A step another step reads from cannot be
// deleted. Steps after the removed one are marked stale.
func (e *Engine) DeleteStep(ctx context.Context, projectID, stepID string) error {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return eris.Errorf("engine: step %q not found", stepID)
	}
	for _, other := range pipe.Steps {
		if other.ID != stepID && other.InputFrom.Step == stepID {
			return eris.Errorf("engine: step %q is the input of step %q", stepID, other.ID)
		}
	}

	downstream := pipe.Downstream(idx)
	pipe.Steps = append(pipe.Steps[:idx], pipe.Steps[idx+1:]...)
	if err := e.store.SavePipeline(ctx, pipe); err != nil {
		return err
	}
	if err := e.store.DeleteStepRuns(ctx, projectID, stepID); err != nil {
		return err
	}
	if err := e.store.DeleteReviews(ctx, projectID, stepID); err != nil {
		return err
	}
	if err := e.store.DeleteClusterOverrides(ctx, projectID, stepID); err != nil {
		return err
	}
	for _, id := range downstream {
		if err := e.store.MarkStale(ctx, projectID, id, true); err != nil {
			return err
		}
	}
	return nil
}

// GetClusters returns the duplicate clusters recorded by the step's latest
// completed run.
func (e *Engine) GetClusters(ctx context.Context, projectID, stepID string) ([]model.Cluster, error) {
	latest, err := e.completedRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}
	raw, ok := latest.Details["clusters"]
	if !ok {
		return nil, eris.Errorf("engine: step %q recorded no clusters", stepID)
	}

	// Details round-trip through JSON, so the payload is re-marshaled into
	// the typed form regardless of which shape it arrived in.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: clusters for step %s", stepID)
	}
	var clusters []model.Cluster
	if err := json.Unmarshal(b, &clusters); err != nil {
		return nil, eris.Wrapf(err, "engine: clusters for step %s", stepID)
	}
	return clusters, nil
}

// UpdateClusters records reviewer override decisions for a dedup step and
// marks the step and everything after it stale, so the next run applies the
// corrections.
func (e *Engine) UpdateClusters(ctx context.Context, projectID, stepID string, overrides []model.ClusterOverride) error {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return eris.Errorf("engine: step %q not found", stepID)
	}
	for _, ov := range overrides {
		if err := validateOverride(ov); err != nil {
			return err
		}
	}
	for _, ov := range overrides {
		if err := e.store.UpsertClusterOverride(ctx, projectID, stepID, ov); err != nil {
			return err
		}
	}
	if err := e.store.MarkStale(ctx, projectID, stepID, true); err != nil {
		return err
	}
	return e.invalidateDownstream(ctx, projectID, pipe, idx)
}

func validateOverride(ov model.ClusterOverride) error {
	if ov.EntryID == "" {
		return eris.New("engine: cluster override entry id is required")
	}
	switch ov.Decision {
	case model.OverrideKeep, model.OverrideRemove, model.OverrideDetach:
		return nil
	default:
		return eris.Errorf("engine: invalid cluster override decision %q", ov.Decision)
	}
}

// checkPipeline runs structural validation plus a registry check on every
// step type.
func (e *Engine) checkPipeline(p *model.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, s := range p.Steps {
		if _, err := e.registry.Get(s.Type); err != nil {
			return err
		}
	}
	return nil
}
