package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsift/refsift/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func testTime() time.Time {
	return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
}

func TestPostgresStore_GetProject_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProject(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateProject(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO projects`).
		WithArgs(pgxmock.AnyArg(), "Review", "sample", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p, err := s.CreateProject(context.Background(), "Review", "sample")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Review", p.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginRun_AssignsSequence(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) \+ 1 FROM step_runs`).
		WithArgs("p1", "dedup-1").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO step_runs`).
		WithArgs(pgxmock.AnyArg(), "p1", "dedup-1", "doi-dedup", "DOI dedup", 3,
			string(model.RunStatusRunning), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run := &model.StepRun{ProjectID: "p1", StepID: "dedup-1", StepType: "doi-dedup", Name: "DOI dedup"}
	require.NoError(t, s.BeginRun(context.Background(), run))
	assert.Equal(t, 3, run.Seq)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NotEmpty(t, run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishRun_SingleTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE step_runs SET status`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO run_outputs`).
		WithArgs("run-1", "passed", 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO run_changes`).
		WithArgs("run-1", 0, "smith2020", string(model.ActionKeep), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO step_latest`).
		WithArgs("p1", "dedup-1", "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run := &model.StepRun{ID: "run-1", ProjectID: "p1", StepID: "dedup-1"}
	outputs := map[string][]model.Entry{"passed": {{ID: "smith2020"}}}
	changes := []model.ChangeRecord{{Key: "smith2020", Action: model.ActionKeep}}
	require.NoError(t, s.PublishRun(context.Background(), run, outputs, changes))
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.True(t, run.IsLatest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishRun_UnknownRunRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE step_runs SET status`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	run := &model.StepRun{ID: "ghost", ProjectID: "p1", StepID: "dedup-1"}
	err := s.PublishRun(context.Background(), run, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE step_runs SET status`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailRun(context.Background(), "ghost", "boom")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestRun_NoneYet(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT r\.id`).
		WithArgs("p1", "dedup-1").
		WillReturnError(pgx.ErrNoRows)

	latest, err := s.LatestRun(context.Background(), "p1", "dedup-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceSources_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM sources`).
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCopyFrom(pgx.Identifier{"sources"}, []string{"project_id", "position", "entry_key", "entry"}).
		WillReturnResult(2)
	mock.ExpectExec(`UPDATE projects SET updated_at`).
		WithArgs(pgxmock.AnyArg(), "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	entries := []model.Entry{{ID: "smith2020"}, {ID: "jones2021"}}
	require.NoError(t, s.ReplaceSources(context.Background(), "p1", entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE step_latest SET stale`).
		WithArgs(true, "p1", "screen-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkStale(context.Background(), "p1", "screen-1", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertReview(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs("p1", "screen-1", "smith2020", model.DecisionExclude, true, "off topic", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := model.ReviewRecord{Key: "smith2020", Decision: model.DecisionExclude, Checked: true, Note: "off topic"}
	require.NoError(t, s.UpsertReview(context.Background(), "p1", "screen-1", rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertReviews_SingleTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs("p1", "screen-1", "smith2020", model.DecisionExclude, false, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs("p1", "screen-1", "jones2021", model.DecisionInclude, true, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertReviews(context.Background(), "p1", "screen-1", []model.ReviewRecord{
		{Key: "smith2020", Decision: model.DecisionExclude},
		{Key: "jones2021", Decision: model.DecisionInclude, Checked: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertReviews_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs("p1", "screen-1", "smith2020", model.DecisionExclude, false, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs("p1", "screen-1", "jones2021", model.DecisionInclude, false, "", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.UpsertReviews(context.Background(), "p1", "screen-1", []model.ReviewRecord{
		{Key: "smith2020", Decision: model.DecisionExclude},
		{Key: "jones2021", Decision: model.DecisionInclude},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jones2021")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReviews(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"entry_key", "decision", "checked", "note", "updated_at"}).
		AddRow("smith2020", model.DecisionInclude, true, "", testTime()).
		AddRow("jones2021", "", true, "checked, AI stands", testTime())
	mock.ExpectQuery(`SELECT entry_key, decision, checked, note, updated_at FROM reviews`).
		WithArgs("p1", "screen-1").
		WillReturnRows(rows)

	reviews, err := s.GetReviews(context.Background(), "p1", "screen-1")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, model.DecisionInclude, reviews["smith2020"].Decision)
	assert.Empty(t, reviews["jones2021"].Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertClusterOverride(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cluster_overrides`).
		WithArgs("p1", "dedup-1", "jones2021", model.OverrideKeep, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ov := model.ClusterOverride{EntryID: "jones2021", Decision: model.OverrideKeep}
	require.NoError(t, s.UpsertClusterOverride(context.Background(), "p1", "dedup-1", ov))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteProject_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	for i := 0; i < 8; i++ {
		mock.ExpectExec(`DELETE FROM`).
			WithArgs("ghost").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectExec(`DELETE FROM projects`).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := s.DeleteProject(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
