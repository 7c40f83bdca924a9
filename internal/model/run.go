package model

import "time"

// RunStatus is the execution state of a step run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunInput records where a run's input came from and how many entries it held.
type RunInput struct {
	From   string `json:"from"`
	Output string `json:"output,omitempty"`
	Count  int    `json:"count"`
}

// OutputInfo describes one named output collection of a completed run.
type OutputInfo struct {
	Count       int    `json:"count"`
	Description string `json:"description,omitempty"`
}

// RunStats summarizes a run for display.
type RunStats struct {
	InputCount       int   `json:"input_count"`
	PassedCount      int   `json:"passed_count"`
	RemovedCount     int   `json:"removed_count"`
	TotalOutputCount int   `json:"total_output_count"`
	TokensUsed       int64 `json:"tokens_used,omitempty"`
	LatencyMS        int64 `json:"latency_ms,omitempty"`
}

// StepRun is one execution of a step. Runs are append-only: a re-run inserts
// a new record with the next Seq and atomically moves the latest pointer;
// earlier runs are superseded, never mutated. IsLatest is false once an
// upstream step re-ran with different output (the run is stale) or a newer
// run replaced it.
type StepRun struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	StepID      string         `json:"step_id"`
	StepType    string         `json:"step_type"`
	Name        string         `json:"name"`
	Seq         int            `json:"seq"`
	Status      RunStatus      `json:"status"`
	Config      string         `json:"config,omitempty"`
	Input       *RunInput      `json:"input,omitempty"`
	Outputs     map[string]OutputInfo `json:"outputs,omitempty"`
	Stats       RunStats       `json:"stats"`
	Details     map[string]any `json:"details,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Error       string         `json:"error,omitempty"`
	IsLatest    bool           `json:"is_latest"`
	Stale       bool           `json:"stale,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
}

// PendingRun synthesizes the record reported for a step that has no runs yet.
func PendingRun(projectID string, s Step) *StepRun {
	return &StepRun{
		ProjectID: projectID,
		StepID:    s.ID,
		StepType:  s.Type,
		Name:      s.Name,
		Status:    RunStatusPending,
		IsLatest:  true,
	}
}
