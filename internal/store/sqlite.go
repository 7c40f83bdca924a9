package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/refsift/refsift/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	project_id TEXT NOT NULL REFERENCES projects(id),
	position   INTEGER NOT NULL,
	entry_key  TEXT NOT NULL,
	entry      TEXT NOT NULL,
	PRIMARY KEY (project_id, position)
);

CREATE TABLE IF NOT EXISTS pipelines (
	project_id TEXT PRIMARY KEY REFERENCES projects(id),
	steps      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS step_runs (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES projects(id),
	step_id      TEXT NOT NULL,
	step_type    TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	seq          INTEGER NOT NULL,
	status       TEXT NOT NULL,
	config       TEXT NOT NULL DEFAULT '',
	input        TEXT,
	outputs      TEXT,
	stats        TEXT,
	details      TEXT,
	fingerprint  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME,
	completed_at DATETIME,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (project_id, step_id, seq)
);

CREATE TABLE IF NOT EXISTS step_latest (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL REFERENCES step_runs(id),
	stale      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, step_id)
);

CREATE TABLE IF NOT EXISTS run_outputs (
	run_id   TEXT NOT NULL REFERENCES step_runs(id),
	output   TEXT NOT NULL,
	position INTEGER NOT NULL,
	entry    TEXT NOT NULL,
	PRIMARY KEY (run_id, output, position)
);

CREATE TABLE IF NOT EXISTS run_changes (
	run_id    TEXT NOT NULL REFERENCES step_runs(id),
	position  INTEGER NOT NULL,
	entry_key TEXT NOT NULL,
	action    TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	details   TEXT,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS reviews (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	entry_key  TEXT NOT NULL,
	decision   TEXT NOT NULL DEFAULT '',
	checked    INTEGER NOT NULL DEFAULT 0,
	note       TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, step_id, entry_key)
);

CREATE TABLE IF NOT EXISTS cluster_overrides (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	entry_key  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, step_id, entry_key)
);

CREATE INDEX IF NOT EXISTS idx_step_runs_step ON step_runs(project_id, step_id);
CREATE INDEX IF NOT EXISTS idx_run_changes_key ON run_changes(run_id, entry_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Projects

func (s *SQLiteStore) CreateProject(ctx context.Context, name, description string) (*model.Project, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, description, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}

	return &model.Project{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`,
		id,
	)
	var p model.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "project %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get project")
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete project")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM run_outputs WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = ?)`,
		`DELETE FROM run_changes WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = ?)`,
		`DELETE FROM step_latest WHERE project_id = ?`,
		`DELETE FROM step_runs WHERE project_id = ?`,
		`DELETE FROM reviews WHERE project_id = ?`,
		`DELETE FROM cluster_overrides WHERE project_id = ?`,
		`DELETE FROM sources WHERE project_id = ?`,
		`DELETE FROM pipelines WHERE project_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return eris.Wrap(err, "sqlite: delete project data")
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "project %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete project")
}

// Sources

func (s *SQLiteStore) ReplaceSources(ctx context.Context, projectID string, entries []model.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace sources")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE project_id = ?`, projectID); err != nil {
		return eris.Wrap(err, "sqlite: clear sources")
	}
	for i, e := range entries {
		entryJSON, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal source %s", e.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sources (project_id, position, entry_key, entry) VALUES (?, ?, ?, ?)`,
			projectID, i, e.ID, string(entryJSON),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert source %s", e.ID)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), projectID,
	); err != nil {
		return eris.Wrap(err, "sqlite: touch project")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace sources")
}

func (s *SQLiteStore) GetSources(ctx context.Context, projectID string) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM sources WHERE project_id = ? ORDER BY position`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get sources")
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Pipeline

func (s *SQLiteStore) SavePipeline(ctx context.Context, p *model.Pipeline) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pipeline")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (project_id, steps, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET steps = excluded.steps, updated_at = excluded.updated_at`,
		p.ProjectID, string(stepsJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save pipeline")
}

// GetPipeline returns the project's pipeline, or an empty one when no steps
// have been saved yet.
func (s *SQLiteStore) GetPipeline(ctx context.Context, projectID string) (*model.Pipeline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT steps FROM pipelines WHERE project_id = ?`,
		projectID,
	)
	var stepsJSON string
	err := row.Scan(&stepsJSON)
	if err == sql.ErrNoRows {
		return &model.Pipeline{ProjectID: projectID}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pipeline")
	}

	p := model.Pipeline{ProjectID: projectID}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pipeline")
	}
	return &p, nil
}

// Step runs

func (s *SQLiteStore) BeginRun(ctx context.Context, run *model.StepRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin run tx")
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM step_runs WHERE project_id = ? AND step_id = ?`,
		run.ProjectID, run.StepID,
	).Scan(&seq)
	if err != nil {
		return eris.Wrap(err, "sqlite: next run seq")
	}

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.Seq = seq
	run.Status = model.RunStatusRunning
	run.StartedAt = &now

	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run input")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_runs (id, project_id, step_id, step_type, name, seq, status, config, input, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.StepID, run.StepType, run.Name, run.Seq,
		string(run.Status), run.Config, string(inputJSON), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run for step %s", run.StepID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit begin run")
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) PublishRun(ctx context.Context, run *model.StepRun, outputs map[string][]model.Entry, changes []model.ChangeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin publish")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
	}

	outputsJSON, err := json.Marshal(run.Outputs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run outputs")
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	detailsJSON, err := json.Marshal(run.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run details")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE step_runs SET status = ?, outputs = ?, stats = ?, details = ?, fingerprint = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(run.Status), string(outputsJSON), string(statsJSON), string(detailsJSON), run.Fingerprint,
		now, run.DurationMS, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", run.ID)
	}
	if err := checkRowsAffected(res, "run", run.ID); err != nil {
		return err
	}

	for name, entries := range outputs {
		for i, e := range entries {
			entryJSON, err := json.Marshal(e)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal output entry %s", e.ID)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_outputs (run_id, output, position, entry) VALUES (?, ?, ?, ?)`,
				run.ID, name, i, string(entryJSON),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert output %s", name)
			}
		}
	}

	for i, c := range changes {
		detailsJSON, err := json.Marshal(c.Details)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal change details %s", c.Key)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_changes (run_id, position, entry_key, action, reason, details) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, c.Key, string(c.Action), c.Reason, string(detailsJSON),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert change %s", c.Key)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_latest (project_id, step_id, run_id, stale) VALUES (?, ?, ?, 0)
		 ON CONFLICT(project_id, step_id) DO UPDATE SET run_id = excluded.run_id, stale = 0`,
		run.ProjectID, run.StepID, run.ID,
	); err != nil {
		return eris.Wrap(err, "sqlite: move latest pointer")
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit publish")
	}
	run.IsLatest = true
	run.Stale = false
	return nil
}

const stepRunColumns = `r.id, r.project_id, r.step_id, r.step_type, r.name, r.seq, r.status,
	r.config, r.input, r.outputs, r.stats, r.details, r.fingerprint, r.error,
	r.started_at, r.completed_at, r.duration_ms, l.run_id, l.stale`

const stepRunJoin = `FROM step_runs r
	LEFT JOIN step_latest l ON l.project_id = r.project_id AND l.step_id = r.step_id`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.StepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+` WHERE r.id = ?`,
		runID,
	)
	r, err := scanStepRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

// LatestRun returns the run the step's latest pointer names, or (nil, nil)
// when the step has no completed run.
func (s *SQLiteStore) LatestRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+`
		 WHERE l.project_id = ? AND l.step_id = ? AND r.id = l.run_id`,
		projectID, stepID,
	)
	r, err := scanStepRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, projectID, stepID string) ([]model.StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+`
		 WHERE r.project_id = ? AND r.step_id = ? ORDER BY r.seq DESC`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.StepRun
	for rows.Next() {
		r, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// MarkStale flags or clears the stale bit on the step's latest pointer. A
// step with no completed run has nothing to mark and the call is a no-op.
func (s *SQLiteStore) MarkStale(ctx context.Context, projectID, stepID string, stale bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE step_latest SET stale = ? WHERE project_id = ? AND step_id = ?`,
		boolInt(stale), projectID, stepID,
	)
	return eris.Wrapf(err, "sqlite: mark stale %s", stepID)
}

func (s *SQLiteStore) DeleteStepRuns(ctx context.Context, projectID, stepID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete runs")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM run_outputs WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = ? AND step_id = ?)`,
		`DELETE FROM run_changes WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = ? AND step_id = ?)`,
		`DELETE FROM step_latest WHERE project_id = ? AND step_id = ?`,
		`DELETE FROM step_runs WHERE project_id = ? AND step_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, projectID, stepID); err != nil {
			return eris.Wrapf(err, "sqlite: delete runs for step %s", stepID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete runs")
}

func (s *SQLiteStore) GetOutput(ctx context.Context, runID, output string) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM run_outputs WHERE run_id = ? AND output = ? ORDER BY position`,
		runID, output,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get output")
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLiteStore) GetChanges(ctx context.Context, runID string) ([]model.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_key, action, reason, details FROM run_changes WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get changes")
	}
	defer rows.Close()

	var changes []model.ChangeRecord
	for rows.Next() {
		var c model.ChangeRecord
		var detailsJSON sql.NullString
		if err := rows.Scan(&c.Key, &c.Action, &c.Reason, &detailsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		if detailsJSON.Valid && detailsJSON.String != "null" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &c.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal change details")
			}
		}
		changes = append(changes, c)
	}
	return changes, eris.Wrap(rows.Err(), "sqlite: get changes iterate")
}

// Review overlay

func (s *SQLiteStore) UpsertReview(ctx context.Context, projectID, stepID string, rec model.ReviewRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (project_id, step_id, entry_key, decision, checked, note, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, step_id, entry_key) DO UPDATE SET
		   decision = excluded.decision, checked = excluded.checked,
		   note = excluded.note, updated_at = excluded.updated_at`,
		projectID, stepID, rec.Key, rec.Decision, boolInt(rec.Checked), rec.Note, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert review %s", rec.Key)
}

func (s *SQLiteStore) UpsertReviews(ctx context.Context, projectID, stepID string, recs []model.ReviewRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert reviews")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reviews (project_id, step_id, entry_key, decision, checked, note, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, step_id, entry_key) DO UPDATE SET
			   decision = excluded.decision, checked = excluded.checked,
			   note = excluded.note, updated_at = excluded.updated_at`,
			projectID, stepID, rec.Key, rec.Decision, boolInt(rec.Checked), rec.Note, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert review %s", rec.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert reviews")
}

func (s *SQLiteStore) GetReviews(ctx context.Context, projectID, stepID string) (map[string]model.ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_key, decision, checked, note, updated_at FROM reviews
		 WHERE project_id = ? AND step_id = ?`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get reviews")
	}
	defer rows.Close()

	reviews := make(map[string]model.ReviewRecord)
	for rows.Next() {
		var rec model.ReviewRecord
		var checked int
		if err := rows.Scan(&rec.Key, &rec.Decision, &checked, &rec.Note, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		rec.Checked = checked != 0
		reviews[rec.Key] = rec
	}
	return reviews, eris.Wrap(rows.Err(), "sqlite: get reviews iterate")
}

func (s *SQLiteStore) DeleteReviews(ctx context.Context, projectID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reviews WHERE project_id = ? AND step_id = ?`,
		projectID, stepID,
	)
	return eris.Wrap(err, "sqlite: delete reviews")
}

// Cluster overrides

func (s *SQLiteStore) UpsertClusterOverride(ctx context.Context, projectID, stepID string, ov model.ClusterOverride) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_overrides (project_id, step_id, entry_key, decision, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, step_id, entry_key) DO UPDATE SET
		   decision = excluded.decision, updated_at = excluded.updated_at`,
		projectID, stepID, ov.EntryID, ov.Decision, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert cluster override %s", ov.EntryID)
}

func (s *SQLiteStore) GetClusterOverrides(ctx context.Context, projectID, stepID string) (map[string]model.ClusterOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_key, decision, updated_at FROM cluster_overrides
		 WHERE project_id = ? AND step_id = ?`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cluster overrides")
	}
	defer rows.Close()

	overrides := make(map[string]model.ClusterOverride)
	for rows.Next() {
		var ov model.ClusterOverride
		if err := rows.Scan(&ov.EntryID, &ov.Decision, &ov.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster override")
		}
		overrides[ov.EntryID] = ov
	}
	return overrides, eris.Wrap(rows.Err(), "sqlite: get cluster overrides iterate")
}

func (s *SQLiteStore) DeleteClusterOverrides(ctx context.Context, projectID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cluster_overrides WHERE project_id = ? AND step_id = ?`,
		projectID, stepID,
	)
	return eris.Wrap(err, "sqlite: delete cluster overrides")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStepRun(row scannable) (*model.StepRun, error) {
	var r model.StepRun
	var input, outputs, stats, details sql.NullString
	var started, completed sql.NullTime
	var latestRunID sql.NullString
	var stale sql.NullBool

	err := row.Scan(&r.ID, &r.ProjectID, &r.StepID, &r.StepType, &r.Name, &r.Seq, &r.Status,
		&r.Config, &input, &outputs, &stats, &details, &r.Fingerprint, &r.Error,
		&started, &completed, &r.DurationMS, &latestRunID, &stale)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if input.Valid && input.String != "null" {
		r.Input = &model.RunInput{}
		if err := json.Unmarshal([]byte(input.String), r.Input); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run input")
		}
	}
	if outputs.Valid && outputs.String != "null" {
		if err := json.Unmarshal([]byte(outputs.String), &r.Outputs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run outputs")
		}
	}
	if stats.Valid && stats.String != "null" {
		if err := json.Unmarshal([]byte(stats.String), &r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
		}
	}
	if details.Valid && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run details")
		}
	}
	if started.Valid {
		t := started.Time.UTC()
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		r.CompletedAt = &t
	}
	if latestRunID.Valid && latestRunID.String == r.ID {
		r.IsLatest = true
		r.Stale = stale.Valid && stale.Bool
	}
	return &r, nil
}

func collectEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var entryJSON string
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		var e model.Entry
		if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: entries iterate")
}
