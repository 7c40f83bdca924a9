package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/db"
	"github.com/refsift/refsift/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_project":  `SELECT id, name, description, created_at, updated_at FROM projects WHERE id = $1`,
	"get_sources":  `SELECT entry FROM sources WHERE project_id = $1 ORDER BY position`,
	"get_pipeline": `SELECT steps FROM pipelines WHERE project_id = $1`,
	"get_output":   `SELECT entry FROM run_outputs WHERE run_id = $1 AND output = $2 ORDER BY position`,
	"get_changes":  `SELECT entry_key, action, reason, details FROM run_changes WHERE run_id = $1 ORDER BY position`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	project_id TEXT NOT NULL REFERENCES projects(id),
	position   INTEGER NOT NULL,
	entry_key  TEXT NOT NULL,
	entry      JSONB NOT NULL,
	PRIMARY KEY (project_id, position)
);

CREATE TABLE IF NOT EXISTS pipelines (
	project_id TEXT PRIMARY KEY REFERENCES projects(id),
	steps      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	input        JSONB,
	outputs      JSONB,
	stats        JSONB,
	details      JSONB,
	fingerprint  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	UNIQUE (project_id, step_id, seq)
);

CREATE TABLE IF NOT EXISTS step_latest (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL REFERENCES step_runs(id),
	stale      BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (project_id, step_id)
);

CREATE TABLE IF NOT EXISTS run_outputs (
	run_id   TEXT NOT NULL REFERENCES step_runs(id),
	output   TEXT NOT NULL,
	position INTEGER NOT NULL,
	entry    JSONB NOT NULL,
	PRIMARY KEY (run_id, output, position)
);

CREATE TABLE IF NOT EXISTS run_changes (
	run_id    TEXT NOT NULL REFERENCES step_runs(id),
	position  INTEGER NOT NULL,
	entry_key TEXT NOT NULL,
	action    TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	details   JSONB,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS reviews (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	entry_key  TEXT NOT NULL,
	decision   TEXT NOT NULL DEFAULT '',
	checked    BOOLEAN NOT NULL DEFAULT false,
	note       TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, step_id, entry_key)
);

CREATE TABLE IF NOT EXISTS cluster_overrides (
	project_id TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	entry_key  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, step_id, entry_key)
);

CREATE INDEX IF NOT EXISTS idx_step_runs_step ON step_runs(project_id, step_id);
CREATE INDEX IF NOT EXISTS idx_run_changes_key ON run_changes(run_id, entry_key);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, name, description string) (*model.Project, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, name, description, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}

	return &model.Project{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "project %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get project")
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete project")
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM run_outputs WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = $1)`,
		`DELETE FROM run_changes WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = $1)`,
		`DELETE FROM step_latest WHERE project_id = $1`,
		`DELETE FROM step_runs WHERE project_id = $1`,
		`DELETE FROM reviews WHERE project_id = $1`,
		`DELETE FROM cluster_overrides WHERE project_id = $1`,
		`DELETE FROM sources WHERE project_id = $1`,
		`DELETE FROM pipelines WHERE project_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return eris.Wrap(err, "postgres: delete project data")
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: delete project")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "project %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete project")
}

// Sources

func (s *PostgresStore) ReplaceSources(ctx context.Context, projectID string, entries []model.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace sources")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sources WHERE project_id = $1`, projectID); err != nil {
		return eris.Wrap(err, "postgres: clear sources")
	}

	rows := make([][]any, 0, len(entries))
	for i, e := range entries {
		entryJSON, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal source %s", e.ID)
		}
		rows = append(rows, []any{projectID, i, e.ID, entryJSON})
	}
	if _, err := db.CopyFrom(ctx, tx, "sources", []string{"project_id", "position", "entry_key", "entry"}, rows); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projects SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), projectID,
	); err != nil {
		return eris.Wrap(err, "postgres: touch project")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace sources")
}

func (s *PostgresStore) GetSources(ctx context.Context, projectID string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM sources WHERE project_id = $1 ORDER BY position`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get sources")
	}
	defer rows.Close()
	return collectEntriesPgx(rows)
}

// Pipeline

func (s *PostgresStore) SavePipeline(ctx context.Context, p *model.Pipeline) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pipeline")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipelines (project_id, steps, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (project_id) DO UPDATE SET steps = $2, updated_at = $3`,
		p.ProjectID, stepsJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save pipeline")
}

func (s *PostgresStore) GetPipeline(ctx context.Context, projectID string) (*model.Pipeline, error) {
	var stepsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT steps FROM pipelines WHERE project_id = $1`,
		projectID,
	).Scan(&stepsJSON)
	if eris.Is(err, pgx.ErrNoRows) {
		return &model.Pipeline{ProjectID: projectID}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pipeline")
	}

	p := model.Pipeline{ProjectID: projectID}
	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pipeline")
	}
	return &p, nil
}

// Step runs

func (s *PostgresStore) BeginRun(ctx context.Context, run *model.StepRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin run tx")
	}
	defer tx.Rollback(ctx)

	var seq int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM step_runs WHERE project_id = $1 AND step_id = $2`,
		run.ProjectID, run.StepID,
	).Scan(&seq)
	if err != nil {
		return eris.Wrap(err, "postgres: next run seq")
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
		return eris.Wrap(err, "postgres: marshal run input")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO step_runs (id, project_id, step_id, step_type, name, seq, status, config, input, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.ProjectID, run.StepID, run.StepType, run.Name, run.Seq,
		string(run.Status), run.Config, inputJSON, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run for step %s", run.StepID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit begin run")
}

func (s *PostgresStore) FailRun(ctx context.Context, runID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) PublishRun(ctx context.Context, run *model.StepRun, outputs map[string][]model.Entry, changes []model.ChangeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin publish")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
	}

	outputsJSON, err := json.Marshal(run.Outputs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run outputs")
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	detailsJSON, err := json.Marshal(run.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run details")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE step_runs SET status = $1, outputs = $2, stats = $3, details = $4, fingerprint = $5, completed_at = $6, duration_ms = $7
		 WHERE id = $8`,
		string(run.Status), outputsJSON, statsJSON, detailsJSON, run.Fingerprint, now, run.DurationMS, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}

	for name, entries := range outputs {
		for i, e := range entries {
			entryJSON, err := json.Marshal(e)
			if err != nil {
				return eris.Wrapf(err, "postgres: marshal output entry %s", e.ID)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO run_outputs (run_id, output, position, entry) VALUES ($1, $2, $3, $4)`,
				run.ID, name, i, entryJSON,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert output %s", name)
			}
		}
	}

	for i, c := range changes {
		detailsJSON, err := json.Marshal(c.Details)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal change details %s", c.Key)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_changes (run_id, position, entry_key, action, reason, details) VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, i, c.Key, string(c.Action), c.Reason, detailsJSON,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert change %s", c.Key)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO step_latest (project_id, step_id, run_id, stale) VALUES ($1, $2, $3, false)
		 ON CONFLICT (project_id, step_id) DO UPDATE SET run_id = $3, stale = false`,
		run.ProjectID, run.StepID, run.ID,
	); err != nil {
		return eris.Wrap(err, "postgres: move latest pointer")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit publish")
	}
	run.IsLatest = true
	run.Stale = false
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+` WHERE r.id = $1`,
		runID,
	)
	r, err := scanStepRunPgx(row)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

func (s *PostgresStore) LatestRun(ctx context.Context, projectID, stepID string) (*model.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+`
		 WHERE l.project_id = $1 AND l.step_id = $2 AND r.id = l.run_id`,
		projectID, stepID,
	)
	r, err := scanStepRunPgx(row)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, projectID, stepID string) ([]model.StepRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepRunColumns+` `+stepRunJoin+`
		 WHERE r.project_id = $1 AND r.step_id = $2 ORDER BY r.seq DESC`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.StepRun
	for rows.Next() {
		r, err := scanStepRunPgx(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) MarkStale(ctx context.Context, projectID, stepID string, stale bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE step_latest SET stale = $1 WHERE project_id = $2 AND step_id = $3`,
		stale, projectID, stepID,
	)
	return eris.Wrapf(err, "postgres: mark stale %s", stepID)
}

func (s *PostgresStore) DeleteStepRuns(ctx context.Context, projectID, stepID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete runs")
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM run_outputs WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = $1 AND step_id = $2)`,
		`DELETE FROM run_changes WHERE run_id IN (SELECT id FROM step_runs WHERE project_id = $1 AND step_id = $2)`,
		`DELETE FROM step_latest WHERE project_id = $1 AND step_id = $2`,
		`DELETE FROM step_runs WHERE project_id = $1 AND step_id = $2`,
	} {
		if _, err := tx.Exec(ctx, stmt, projectID, stepID); err != nil {
			return eris.Wrapf(err, "postgres: delete runs for step %s", stepID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete runs")
}

func (s *PostgresStore) GetOutput(ctx context.Context, runID, output string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM run_outputs WHERE run_id = $1 AND output = $2 ORDER BY position`,
		runID, output,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get output")
	}
	defer rows.Close()
	return collectEntriesPgx(rows)
}

func (s *PostgresStore) GetChanges(ctx context.Context, runID string) ([]model.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_key, action, reason, details FROM run_changes WHERE run_id = $1 ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get changes")
	}
	defer rows.Close()

	var changes []model.ChangeRecord
	for rows.Next() {
		var c model.ChangeRecord
		var detailsJSON []byte
		if err := rows.Scan(&c.Key, &c.Action, &c.Reason, &detailsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		if len(detailsJSON) > 0 && string(detailsJSON) != "null" {
			if err := json.Unmarshal(detailsJSON, &c.Details); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal change details")
			}
		}
		changes = append(changes, c)
	}
	return changes, eris.Wrap(rows.Err(), "postgres: get changes iterate")
}

// Review overlay

func (s *PostgresStore) UpsertReview(ctx context.Context, projectID, stepID string, rec model.ReviewRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reviews (project_id, step_id, entry_key, decision, checked, note, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (project_id, step_id, entry_key) DO UPDATE SET
		   decision = $4, checked = $5, note = $6, updated_at = $7`,
		projectID, stepID, rec.Key, rec.Decision, rec.Checked, rec.Note, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert review %s", rec.Key)
}

func (s *PostgresStore) UpsertReviews(ctx context.Context, projectID, stepID string, recs []model.ReviewRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert reviews")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, rec := range recs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reviews (project_id, step_id, entry_key, decision, checked, note, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (project_id, step_id, entry_key) DO UPDATE SET
			   decision = $4, checked = $5, note = $6, updated_at = $7`,
			projectID, stepID, rec.Key, rec.Decision, rec.Checked, rec.Note, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert review %s", rec.Key)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert reviews")
}

func (s *PostgresStore) GetReviews(ctx context.Context, projectID, stepID string) (map[string]model.ReviewRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_key, decision, checked, note, updated_at FROM reviews
		 WHERE project_id = $1 AND step_id = $2`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get reviews")
	}
	defer rows.Close()

	reviews := make(map[string]model.ReviewRecord)
	for rows.Next() {
		var rec model.ReviewRecord
		if err := rows.Scan(&rec.Key, &rec.Decision, &rec.Checked, &rec.Note, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		reviews[rec.Key] = rec
	}
	return reviews, eris.Wrap(rows.Err(), "postgres: get reviews iterate")
}

func (s *PostgresStore) DeleteReviews(ctx context.Context, projectID, stepID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM reviews WHERE project_id = $1 AND step_id = $2`,
		projectID, stepID,
	)
	return eris.Wrap(err, "postgres: delete reviews")
}

// Cluster overrides

func (s *PostgresStore) UpsertClusterOverride(ctx context.Context, projectID, stepID string, ov model.ClusterOverride) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cluster_overrides (project_id, step_id, entry_key, decision, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, step_id, entry_key) DO UPDATE SET
		   decision = $4, updated_at = $5`,
		projectID, stepID, ov.EntryID, ov.Decision, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert cluster override %s", ov.EntryID)
}

func (s *PostgresStore) GetClusterOverrides(ctx context.Context, projectID, stepID string) (map[string]model.ClusterOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_key, decision, updated_at FROM cluster_overrides
		 WHERE project_id = $1 AND step_id = $2`,
		projectID, stepID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cluster overrides")
	}
	defer rows.Close()

	overrides := make(map[string]model.ClusterOverride)
	for rows.Next() {
		var ov model.ClusterOverride
		if err := rows.Scan(&ov.EntryID, &ov.Decision, &ov.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster override")
		}
		overrides[ov.EntryID] = ov
	}
	return overrides, eris.Wrap(rows.Err(), "postgres: get cluster overrides iterate")
}

func (s *PostgresStore) DeleteClusterOverrides(ctx context.Context, projectID, stepID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cluster_overrides WHERE project_id = $1 AND step_id = $2`,
		projectID, stepID,
	)
	return eris.Wrap(err, "postgres: delete cluster overrides")
}

// helpers

func scanStepRunPgx(row scannable) (*model.StepRun, error) {
	var r model.StepRun
	var input, outputs, stats, details []byte
	var started, completed *time.Time
	var latestRunID *string
	var stale *bool

	err := row.Scan(&r.ID, &r.ProjectID, &r.StepID, &r.StepType, &r.Name, &r.Seq, &r.Status,
		&r.Config, &input, &outputs, &stats, &details, &r.Fingerprint, &r.Error,
		&started, &completed, &r.DurationMS, &latestRunID, &stale)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(input) > 0 && string(input) != "null" {
		r.Input = &model.RunInput{}
		if err := json.Unmarshal(input, r.Input); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run input")
		}
	}
	if len(outputs) > 0 && string(outputs) != "null" {
		if err := json.Unmarshal(outputs, &r.Outputs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run outputs")
		}
	}
	if len(stats) > 0 && string(stats) != "null" {
		if err := json.Unmarshal(stats, &r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run stats")
		}
	}
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run details")
		}
	}
	if started != nil {
		t := started.UTC()
		r.StartedAt = &t
	}
	if completed != nil {
		t := completed.UTC()
		r.CompletedAt = &t
	}
	if latestRunID != nil && *latestRunID == r.ID {
		r.IsLatest = true
		r.Stale = stale != nil && *stale
	}
	return &r, nil
}

func collectEntriesPgx(rows pgx.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var entryJSON []byte
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		var e model.Entry
		if err := json.Unmarshal(entryJSON, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: entries iterate")
}
