package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsift/refsift/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestProject(t *testing.T, st *SQLiteStore) *model.Project {
	t.Helper()
	p, err := st.CreateProject(context.Background(), "DL Security Review", "screening for a systematic review")
	require.NoError(t, err)
	return p
}

func testEntries() []model.Entry {
	return []model.Entry{
		{ID: "smith2020", Type: "article", Title: "Deep Learning for Vulnerability Detection", Year: "2020", DOI: "10.1000/smith"},
		{ID: "jones2021", Type: "inproceedings", Title: "Fuzzing with Neural Networks", Year: "2021"},
	}
}

func makeRun(projectID string) *model.StepRun {
	return &model.StepRun{
		ProjectID: projectID,
		StepID:    "dedup-1",
		StepType:  "doi-dedup",
		Name:      "DOI dedup",
		Config:    `{"case_sensitive":false}`,
		Input:     &model.RunInput{From: model.SourceInput, Count: 2},
	}
}

// --- Projects ---

func TestSQLite_Project_CreateGetList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := newTestProject(t, st)
	assert.NotEmpty(t, p.ID)

	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "DL Security Review", got.Name)
	assert.Equal(t, "screening for a systematic review", got.Description)

	list, err := st.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

func TestSQLite_Project_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetProject(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Project_DeleteCascades(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.ReplaceSources(ctx, p.ID, testEntries()))
	run := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, run))
	require.NoError(t, st.PublishRun(ctx, run,
		map[string][]model.Entry{"passed": testEntries()},
		[]model.ChangeRecord{{Key: "smith2020", Action: model.ActionKeep}},
	))
	require.NoError(t, st.UpsertReview(ctx, p.ID, "screen-1", model.ReviewRecord{Key: "smith2020", Checked: true}))

	require.NoError(t, st.DeleteProject(ctx, p.ID))

	_, err := st.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := st.GetSources(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSQLite_Project_DeleteMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.DeleteProject(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Sources ---

func TestSQLite_Sources_ReplaceAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.ReplaceSources(ctx, p.ID, testEntries()))

	got, err := st.GetSources(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "smith2020", got[0].ID)
	assert.Equal(t, "Deep Learning for Vulnerability Detection", got[0].Title)
	assert.Equal(t, "jones2021", got[1].ID)
}

func TestSQLite_Sources_ReplaceOverwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.ReplaceSources(ctx, p.ID, testEntries()))
	require.NoError(t, st.ReplaceSources(ctx, p.ID, []model.Entry{{ID: "lee2019", Title: "Adversarial Examples"}}))

	got, err := st.GetSources(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lee2019", got[0].ID)
}

// --- Pipeline ---

func TestSQLite_Pipeline_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	pipe := &model.Pipeline{
		ProjectID: p.ID,
		Steps: []model.Step{
			{ID: "dedup-1", Type: "doi-dedup", Name: "DOI dedup", Enabled: true},
			{ID: "screen-1", Type: "ai-screening", Name: "Screening", Enabled: true,
				InputFrom: model.InputRef{Step: "dedup-1"},
				Config:    map[string]any{"rules": "dl-security"}},
		},
	}
	require.NoError(t, st.SavePipeline(ctx, pipe))

	got, err := st.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "screen-1", got.Steps[1].ID)
	assert.Equal(t, "dedup-1", got.Steps[1].InputFrom.Step)
	assert.Equal(t, "dl-security", got.Steps[1].Config["rules"])
}

func TestSQLite_Pipeline_EmptyWhenUnsaved(t *testing.T) {
	st := newTestSQLiteStore(t)
	p := newTestProject(t, st)

	got, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ProjectID)
	assert.Empty(t, got.Steps)
}

func TestSQLite_Pipeline_SaveIsUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	pipe := &model.Pipeline{ProjectID: p.ID, Steps: []model.Step{{ID: "a", Type: "doi-dedup"}}}
	require.NoError(t, st.SavePipeline(ctx, pipe))
	pipe.Steps = append(pipe.Steps, model.Step{ID: "b", Type: "ai-screening"})
	require.NoError(t, st.SavePipeline(ctx, pipe))

	got, err := st.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
}

// --- Step runs ---

func TestSQLite_BeginRun_AssignsSequence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	first := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, first))
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, model.RunStatusRunning, first.Status)
	assert.NotEmpty(t, first.ID)
	require.NotNil(t, first.StartedAt)

	second := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, second))
	assert.Equal(t, 2, second.Seq)
}

func TestSQLite_PublishRun_MovesLatestPointer(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	run := makeRun(p.ID)
	run.Outputs = map[string]model.OutputInfo{
		"passed":     {Count: 1},
		"duplicates": {Count: 1},
	}
	run.Stats = model.RunStats{InputCount: 2, PassedCount: 1, RemovedCount: 1, TotalOutputCount: 2}
	run.Details = map[string]any{"total_clusters": 1}
	run.Fingerprint = "fp-1"
	require.NoError(t, st.BeginRun(ctx, run))

	outputs := map[string][]model.Entry{
		"passed":     {testEntries()[0]},
		"duplicates": {testEntries()[1]},
	}
	changes := []model.ChangeRecord{
		{Key: "smith2020", Action: model.ActionKeep},
		{Key: "jones2021", Action: model.ActionRemove, Reason: "duplicate_doi",
			Details: map[string]any{"duplicate_of": "smith2020"}},
	}
	require.NoError(t, st.PublishRun(ctx, run, outputs, changes))
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.True(t, run.IsLatest)

	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)
	assert.True(t, latest.IsLatest)
	assert.False(t, latest.Stale)
	assert.Equal(t, "fp-1", latest.Fingerprint)
	assert.Equal(t, 1, latest.Outputs["passed"].Count)
	assert.Equal(t, 2, latest.Stats.InputCount)
	assert.EqualValues(t, 1, latest.Details["total_clusters"])
	require.NotNil(t, latest.CompletedAt)

	passed, err := st.GetOutput(ctx, run.ID, "passed")
	require.NoError(t, err)
	require.Len(t, passed, 1)
	assert.Equal(t, "smith2020", passed[0].ID)

	got, err := st.GetChanges(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ActionRemove, got[1].Action)
	assert.Equal(t, "smith2020", got[1].Details["duplicate_of"])
}

func TestSQLite_PublishRun_SupersedesEarlierRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	first := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, first))
	require.NoError(t, st.PublishRun(ctx, first, nil, nil))

	second := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, second))
	require.NoError(t, st.PublishRun(ctx, second, nil, nil))

	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	runs, err := st.ListRuns(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Seq)
	assert.True(t, runs[0].IsLatest)
	assert.Equal(t, 1, runs[1].Seq)
	assert.False(t, runs[1].IsLatest)
}

func TestSQLite_FailRun_KeepsPriorLatest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	completed := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, completed))
	require.NoError(t, st.PublishRun(ctx, completed, nil, nil))

	failed := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, failed))
	require.NoError(t, st.FailRun(ctx, failed.ID, "rules document not found"))

	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, completed.ID, latest.ID)

	got, err := st.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "rules document not found", got.Error)
	assert.False(t, got.IsLatest)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_LatestRun_NoneYet(t *testing.T) {
	st := newTestSQLiteStore(t)
	p := newTestProject(t, st)

	latest, err := st.LatestRun(context.Background(), p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSQLite_GetRun_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MarkStale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	run := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, run))
	require.NoError(t, st.PublishRun(ctx, run, nil, nil))

	require.NoError(t, st.MarkStale(ctx, p.ID, "dedup-1", true))
	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.True(t, latest.Stale)

	require.NoError(t, st.MarkStale(ctx, p.ID, "dedup-1", false))
	latest, err = st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.False(t, latest.Stale)
}

func TestSQLite_MarkStale_NoRunsIsNoop(t *testing.T) {
	st := newTestSQLiteStore(t)
	p := newTestProject(t, st)

	require.NoError(t, st.MarkStale(context.Background(), p.ID, "dedup-1", true))
}

func TestSQLite_DeleteStepRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	run := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, run))
	require.NoError(t, st.PublishRun(ctx, run,
		map[string][]model.Entry{"passed": testEntries()},
		[]model.ChangeRecord{{Key: "smith2020", Action: model.ActionKeep}},
	))

	require.NoError(t, st.DeleteStepRuns(ctx, p.ID, "dedup-1"))

	latest, err := st.LatestRun(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
	runs, err := st.ListRuns(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
	entries, err := st.GetOutput(ctx, run.ID, "passed")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Sequence numbering restarts after a reset.
	fresh := makeRun(p.ID)
	require.NoError(t, st.BeginRun(ctx, fresh))
	assert.Equal(t, 1, fresh.Seq)
}

// --- Reviews ---

func TestSQLite_Reviews_UpsertGetDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.UpsertReview(ctx, p.ID, "screen-1",
		model.ReviewRecord{Key: "smith2020", Decision: model.DecisionExclude, Checked: true, Note: "off topic"}))
	require.NoError(t, st.UpsertReview(ctx, p.ID, "screen-1",
		model.ReviewRecord{Key: "jones2021", Checked: true}))

	reviews, err := st.GetReviews(ctx, p.ID, "screen-1")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, model.DecisionExclude, reviews["smith2020"].Decision)
	assert.Equal(t, "off topic", reviews["smith2020"].Note)
	assert.True(t, reviews["jones2021"].Checked)
	assert.Empty(t, reviews["jones2021"].Decision)

	// Upsert overwrites the earlier record for the same entry.
	require.NoError(t, st.UpsertReview(ctx, p.ID, "screen-1",
		model.ReviewRecord{Key: "smith2020", Decision: model.DecisionInclude, Checked: true}))
	reviews, err = st.GetReviews(ctx, p.ID, "screen-1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionInclude, reviews["smith2020"].Decision)

	require.NoError(t, st.DeleteReviews(ctx, p.ID, "screen-1"))
	reviews, err = st.GetReviews(ctx, p.ID, "screen-1")
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestSQLite_Reviews_BatchUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.UpsertReviews(ctx, p.ID, "screen-1", []model.ReviewRecord{
		{Key: "smith2020", Decision: model.DecisionExclude, Checked: true},
		{Key: "jones2021", Decision: model.DecisionInclude, Note: "in scope after all"},
	}))

	reviews, err := st.GetReviews(ctx, p.ID, "screen-1")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, model.DecisionExclude, reviews["smith2020"].Decision)
	assert.Equal(t, "in scope after all", reviews["jones2021"].Note)

	// A second batch overwrites existing records per entry.
	require.NoError(t, st.UpsertReviews(ctx, p.ID, "screen-1", []model.ReviewRecord{
		{Key: "smith2020", Decision: model.DecisionInclude},
	}))
	reviews, err = st.GetReviews(ctx, p.ID, "screen-1")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, model.DecisionInclude, reviews["smith2020"].Decision)
}

func TestSQLite_Reviews_ScopedByStep(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.UpsertReview(ctx, p.ID, "screen-1", model.ReviewRecord{Key: "smith2020", Checked: true}))

	reviews, err := st.GetReviews(ctx, p.ID, "screen-2")
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

// --- Cluster overrides ---

func TestSQLite_ClusterOverrides_UpsertGetDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := newTestProject(t, st)

	require.NoError(t, st.UpsertClusterOverride(ctx, p.ID, "dedup-1",
		model.ClusterOverride{EntryID: "jones2021", Decision: model.OverrideKeep}))

	overrides, err := st.GetClusterOverrides(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, model.OverrideKeep, overrides["jones2021"].Decision)

	require.NoError(t, st.UpsertClusterOverride(ctx, p.ID, "dedup-1",
		model.ClusterOverride{EntryID: "jones2021", Decision: model.OverrideDetach}))
	overrides, err = st.GetClusterOverrides(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, model.OverrideDetach, overrides["jones2021"].Decision)

	require.NoError(t, st.DeleteClusterOverrides(ctx, p.ID, "dedup-1"))
	overrides, err = st.GetClusterOverrides(ctx, p.ID, "dedup-1")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

// --- Migration ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}
