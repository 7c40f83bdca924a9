// Package engine executes pipeline steps: it resolves a step's input from
// the project sources or an upstream output, validates config, invokes the
// handler, publishes the run atomically, and walks the invalidation cascade
// over the linear chain.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/review"
	"github.com/refsift/refsift/internal/step"
	"github.com/refsift/refsift/internal/store"
)

// ErrAlreadyRunning is returned when a run is requested for a project that
// has one in flight. Runs are serialized per project; the second caller is
// rejected, not queued. Different projects run independently.
var ErrAlreadyRunning = eris.New("engine: project already has a step running")

// Engine drives step execution for all projects sharing one store.
type Engine struct {
	store    store.Store
	registry *step.Registry

	mu      sync.Mutex
	running map[string]string // projectID -> stepID in flight
}

// New creates an engine over the given store and handler registry.
func New(st store.Store, registry *step.Registry) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		running:  make(map[string]string),
	}
}

// Registry exposes the handler registry for surfaces that list step types.
func (e *Engine) Registry() *step.Registry {
	return e.registry
}

// ListSteps returns the execution view of every step in the project's
// pipeline, in pipeline order. Steps with no runs yet appear as pending.
func (e *Engine) ListSteps(ctx context.Context, projectID string) ([]model.StepRun, error) {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}

	runs := make([]model.StepRun, 0, len(pipe.Steps))
	for _, s := range pipe.Steps {
		latest, err := e.store.LatestRun(ctx, projectID, s.ID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *projectRun(latest, projectID, s))
	}
	return runs, nil
}

// GetStep returns the execution view of one step.
func (e *Engine) GetStep(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s, _ := pipe.FindStep(stepID)
	if s == nil {
		return nil, eris.Errorf("engine: step %q not found", stepID)
	}
	latest, err := e.store.LatestRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}
	return projectRun(latest, projectID, *s), nil
}

// RunStep executes one step synchronously and returns the finished run.
// ConfigError and DependencyError surface before any state changes; a
// handler failure is persisted as a failed run that never touches the
// latest pointer, so a prior completed run stays current downstream.
func (e *Engine) RunStep(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	if err := e.acquire(projectID, stepID); err != nil {
		return nil, err
	}
	defer e.release(projectID)

	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return nil, eris.Errorf("engine: step %q not found", stepID)
	}
	if !s.Enabled {
		return nil, eris.Errorf("engine: step %q is disabled", stepID)
	}

	handler, err := e.registry.Get(s.Type)
	if err != nil {
		return nil, err
	}
	validated, err := handler.ConfigSchema().Validate(s.Config)
	if err != nil {
		return nil, err
	}
	cfg := step.Config(validated)

	entries, input, err := e.resolveInput(ctx, projectID, pipe, idx)
	if err != nil {
		return nil, err
	}

	overrides, err := e.store.GetClusterOverrides(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}

	prev, err := e.store.LatestRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}

	run := &model.StepRun{
		ProjectID: projectID,
		StepID:    s.ID,
		StepType:  s.Type,
		Name:      s.Name,
		Config:    s.ConfigFingerprint(),
		Input:     input,
	}
	if err := e.store.BeginRun(ctx, run); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("project", projectID),
		zap.String("step", stepID),
		zap.String("type", s.Type),
		zap.Int("seq", run.Seq),
	)
	log.Info("engine: step run started", zap.Int("entries", len(entries)))

	start := time.Now()
	res, err := handler.Run(ctx, entries, cfg, &step.Context{ClusterOverrides: overrides})
	if err == nil {
		err = step.ValidateResult(entries, res)
	}
	if err != nil {
		herr := &step.HandlerError{StepType: s.Type, Err: err}
		e.failRun(ctx, run.ID, herr.Error())
		log.Error("engine: step run failed", zap.Error(err))
		return nil, herr
	}

	fillRun(run, handler, res, len(entries))

	if err := e.store.PublishRun(ctx, run, res.Outputs, res.Changes); err != nil {
		e.failRun(ctx, run.ID, err.Error())
		return nil, err
	}
	log.Info("engine: step run completed",
		zap.Int("passed", run.Stats.PassedCount),
		zap.Duration("duration", time.Since(start)),
	)

	if prev == nil || prev.Fingerprint != run.Fingerprint {
		if err := e.invalidateDownstream(ctx, projectID, pipe, idx); err != nil {
			return nil, err
		}
	}
	return projectRun(run, projectID, *s), nil
}

// ResetStep discards the step's run history and artifacts, reverting the
// step to pending. Downstream steps lose their satisfied dependency and are
// marked stale. Review and cluster overrides survive a reset.
func (e *Engine) ResetStep(ctx context.Context, projectID, stepID string) error {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return eris.Errorf("engine: step %q not found", stepID)
	}
	if err := e.store.DeleteStepRuns(ctx, projectID, stepID); err != nil {
		return err
	}
	return e.invalidateDownstream(ctx, projectID, pipe, idx)
}

// GetStepOutput returns one named output of the step's latest completed run.
func (e *Engine) GetStepOutput(ctx context.Context, projectID, stepID, output string) ([]model.Entry, error) {
	latest, err := e.completedRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}
	if _, ok := latest.Outputs[output]; !ok {
		return nil, eris.Errorf("engine: step %q has no output %q", stepID, output)
	}
	return e.store.GetOutput(ctx, latest.ID, output)
}

// GetStepInput resolves and returns the entries the step would consume if
// run now.
func (e *Engine) GetStepInput(ctx context.Context, projectID, stepID string) ([]model.Entry, error) {
	pipe, err := e.store.GetPipeline(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s, idx := pipe.FindStep(stepID)
	if s == nil {
		return nil, eris.Errorf("engine: step %q not found", stepID)
	}
	entries, _, err := e.resolveInput(ctx, projectID, pipe, idx)
	return entries, err
}

// GetStepChanges returns the change log of the step's latest completed run,
// in input order.
func (e *Engine) GetStepChanges(ctx context.Context, projectID, stepID string) ([]model.ChangeRecord, error) {
	latest, err := e.completedRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}
	return e.store.GetChanges(ctx, latest.ID)
}

// LatestRun returns the raw latest run record, nil when the step has none.
func (e *Engine) LatestRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	return e.store.LatestRun(ctx, projectID, stepID)
}

// LatestCompletedRun returns the latest run and errors when the step has no
// completed one. Callers that need run artifacts (review rows, changes) use
// this instead of LatestRun's nil-on-empty contract.
func (e *Engine) LatestCompletedRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	return e.completedRun(ctx, projectID, stepID)
}

// acquire takes the project's run slot or reports a run in flight. One step
// runs at a time per project so a downstream step never reads an upstream
// output mid-publish.
func (e *Engine) acquire(projectID, stepID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if busy, ok := e.running[projectID]; ok {
		return eris.Wrapf(ErrAlreadyRunning, "step %s blocked by %s", stepID, busy)
	}
	e.running[projectID] = stepID
	return nil
}

func (e *Engine) release(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, projectID)
}

// failRun records a failed run. The surrounding context may already be
// cancelled, and the failure must still be persisted.
func (e *Engine) failRun(ctx context.Context, runID, msg string) {
	if err := e.store.FailRun(context.WithoutCancel(ctx), runID, msg); err != nil {
		zap.L().Warn("engine: could not record failed run",
			zap.String("run", runID), zap.Error(err))
	}
}

// resolveInput follows the step's input reference. An upstream reference
// requires a completed, current latest run; a stale or missing one is a
// dependency error raised before the handler is invoked.
func (e *Engine) resolveInput(ctx context.Context, projectID string, pipe *model.Pipeline, idx int) ([]model.Entry, *model.RunInput, error) {
	ref := pipe.Steps[idx].InputFrom
	if ref.FromSources() {
		entries, err := e.store.GetSources(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		return entries, &model.RunInput{From: model.SourceInput, Count: len(entries)}, nil
	}

	output := ref.OutputName()
	def, _ := pipe.FindStep(ref.Step)
	if def == nil {
		return nil, nil, &step.DependencyError{StepID: ref.Step, Output: output}
	}
	upstream, err := e.store.LatestRun(ctx, projectID, ref.Step)
	if err != nil {
		return nil, nil, err
	}
	// A stale or config-drifted upstream run is projected to pending, so it
	// does not satisfy the dependency.
	if projectRun(upstream, projectID, *def).Status != model.RunStatusCompleted {
		return nil, nil, &step.DependencyError{StepID: ref.Step, Output: output}
	}
	if _, ok := upstream.Outputs[output]; !ok {
		return nil, nil, &step.DependencyError{StepID: ref.Step, Output: output}
	}

	entries, err := e.upstreamOutput(ctx, projectID, def, upstream, output)
	if err != nil {
		return nil, nil, err
	}
	return entries, &model.RunInput{From: ref.Step, Output: output, Count: len(entries)}, nil
}

// upstreamOutput reads an upstream run's output, applying the human review
// projection when the upstream screening step is set to human output mode.
func (e *Engine) upstreamOutput(ctx context.Context, projectID string, def *model.Step, upstream *model.StepRun, output string) ([]model.Entry, error) {
	if def.Config["output_mode"] != step.OutputModeHuman {
		return e.store.GetOutput(ctx, upstream.ID, output)
	}

	changes, err := e.store.GetChanges(ctx, upstream.ID)
	if err != nil {
		return nil, err
	}
	reviews, err := e.store.GetReviews(ctx, projectID, upstream.StepID)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]model.Entry)
	for name := range upstream.Outputs {
		out, err := e.store.GetOutput(ctx, upstream.ID, name)
		if err != nil {
			return nil, err
		}
		for _, entry := range out {
			entries[entry.ID] = entry
		}
	}
	return review.ApplyOutputMode(entries, changes, reviews, output), nil
}

// invalidateDownstream marks every step after idx stale. The pipeline is a
// strict linear chain, so a single forward walk covers all dependents.
func (e *Engine) invalidateDownstream(ctx context.Context, projectID string, pipe *model.Pipeline, idx int) error {
	for _, id := range pipe.Downstream(idx) {
		if err := e.store.MarkStale(ctx, projectID, id, true); err != nil {
			return err
		}
	}
	return nil
}

// completedRun returns the latest run when it is completed, stale or not.
// Stale outputs stay readable for inspection even though downstream steps
// will not consume them.
func (e *Engine) completedRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	latest, err := e.store.LatestRun(ctx, projectID, stepID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.Status != model.RunStatusCompleted {
		return nil, eris.Errorf("engine: step %q has no completed run", stepID)
	}
	return latest, nil
}

// fillRun populates the run record from a handler result: output summaries,
// stats, details, and the output fingerprint the invalidation cascade
// compares across runs.
func fillRun(run *model.StepRun, handler step.Handler, res *step.Result, inputCount int) {
	defs := handler.Outputs()
	run.Outputs = make(map[string]model.OutputInfo, len(res.Outputs))
	total := 0
	for name, entries := range res.Outputs {
		run.Outputs[name] = model.OutputInfo{
			Count:       len(entries),
			Description: describeOutput(defs, name),
		}
		total += len(entries)
	}

	run.Stats = model.RunStats{
		InputCount:       inputCount,
		PassedCount:      len(res.Outputs[model.DefaultOutput]),
		RemovedCount:     inputCount - len(res.Outputs[model.DefaultOutput]),
		TotalOutputCount: total,
	}
	if v, ok := res.Details["tokens_used"].(int64); ok {
		run.Stats.TokensUsed = v
	}
	if v, ok := res.Details["latency_ms"].(int64); ok {
		run.Stats.LatencyMS = v
	}
	run.Details = res.Details
	run.Fingerprint = outputFingerprint(res.Outputs)
}

func describeOutput(defs []step.OutputDefinition, name string) string {
	for _, d := range defs {
		if d.Name == name {
			return d.Description
		}
	}
	return ""
}

// outputFingerprint hashes the run's output membership. Two runs with the
// same outputs produce the same fingerprint, so a re-run that changes
// nothing does not invalidate downstream steps.
func outputFingerprint(outputs map[string][]model.Entry) string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		for _, e := range outputs[name] {
			h.Write([]byte(e.ID))
			h.Write([]byte{0})
		}
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// projectRun is the read-side state machine projection: a stale,
// config-drifted, or input-rewired completed run is shown as pending so
// callers see that a re-run is needed, while the stored history stays
// untouched.
func projectRun(latest *model.StepRun, projectID string, s model.Step) *model.StepRun {
	if latest == nil {
		return model.PendingRun(projectID, s)
	}
	view := *latest
	if view.Status == model.RunStatusCompleted &&
		(view.Stale || view.Config != s.ConfigFingerprint() || inputRewired(&view, s)) {
		view.Status = model.RunStatusPending
		view.IsLatest = false
		view.Stale = true
	}
	return &view
}

// inputRewired reports whether the step's input reference no longer matches
// what the run consumed.
func inputRewired(run *model.StepRun, s model.Step) bool {
	if run.Input == nil {
		return false
	}
	if s.InputFrom.FromSources() {
		return run.Input.From != model.SourceInput
	}
	return run.Input.From != s.InputFrom.Step || run.Input.Output != s.InputFrom.OutputName()
}
