// Package store persists projects, pipelines, sources, the append-only step
// run history, and the human review overlays. Two backends are provided:
// SQLite for single-user local work and Postgres for shared deployments.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
// LatestRun is the exception: a step with no completed runs yet returns
// (nil, nil) because that is a normal state, not an error.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence interface for the screening pipeline.
//
// Run history is append-only: BeginRun inserts a new running record with the
// next sequence number, PublishRun completes it and atomically moves the
// step's latest pointer in the same transaction, and FailRun marks it failed
// without touching the pointer, so the previous completed run stays current.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, name, description string) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Sources
	ReplaceSources(ctx context.Context, projectID string, entries []model.Entry) error
	GetSources(ctx context.Context, projectID string) ([]model.Entry, error)

	// Pipeline
	SavePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, projectID string) (*model.Pipeline, error)

	// Step runs
	BeginRun(ctx context.Context, run *model.StepRun) error
	FailRun(ctx context.Context, runID, errMsg string) error
	PublishRun(ctx context.Context, run *model.StepRun, outputs map[string][]model.Entry, changes []model.ChangeRecord) error
	GetRun(ctx context.Context, runID string) (*model.StepRun, error)
	LatestRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error)
	ListRuns(ctx context.Context, projectID, stepID string) ([]model.StepRun, error)
	MarkStale(ctx context.Context, projectID, stepID string, stale bool) error
	DeleteStepRuns(ctx context.Context, projectID, stepID string) error
	GetOutput(ctx context.Context, runID, output string) ([]model.Entry, error)
	GetChanges(ctx context.Context, runID string) ([]model.ChangeRecord, error)

	// Review overlay
	UpsertReview(ctx context.Context, projectID, stepID string, rec model.ReviewRecord) error
	UpsertReviews(ctx context.Context, projectID, stepID string, recs []model.ReviewRecord) error
	GetReviews(ctx context.Context, projectID, stepID string) (map[string]model.ReviewRecord, error)
	DeleteReviews(ctx context.Context, projectID, stepID string) error

	// Cluster overrides
	UpsertClusterOverride(ctx context.Context, projectID, stepID string, ov model.ClusterOverride) error
	GetClusterOverrides(ctx context.Context, projectID, stepID string) (map[string]model.ClusterOverride, error)
	DeleteClusterOverrides(ctx context.Context, projectID, stepID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
