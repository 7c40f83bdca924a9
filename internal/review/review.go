// Package review implements the human overlay on AI screening results. The
// machine decision in the run's change log is never mutated: reviewer
// decisions live in their own table and the final decision is a projection
// computed at read time.
package review

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/step"
	"github.com/refsift/refsift/internal/store"
)

// Row is one entry of the merged review view: the AI decision joined with
// any reviewer override.
type Row struct {
	Key            string             `json:"key"`
	Title          string             `json:"title,omitempty"`
	Authors        string             `json:"authors,omitempty"`
	Year           string             `json:"year,omitempty"`
	Abstract       string             `json:"abstract,omitempty"`
	AIDecision     string             `json:"ai_decision"`
	AIConfidence   float64            `json:"ai_confidence"`
	AIReasoning    string             `json:"ai_reasoning,omitempty"`
	ReasonCodes    []model.ReasonCode `json:"reason_codes,omitempty"`
	ManualDecision string             `json:"manual_decision,omitempty"`
	FinalDecision  string             `json:"final_decision"`
	Checked        bool               `json:"checked"`
	Note           string             `json:"note,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Stats summarizes review progress over a screening run.
type Stats struct {
	Total     int `json:"total"`
	Checked   int `json:"checked"`
	Modified  int `json:"modified"`
	Included  int `json:"included"`
	Excluded  int `json:"excluded"`
	Uncertain int `json:"uncertain"`
}

// Service reads and writes the review overlay for AI screening steps.
type Service struct {
	store store.Store
}

// NewService creates a review service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// AIVerdict maps a screening change record back to the include, exclude, or
// uncertain verdict it encodes. The reason code is authoritative; the full
// decision payload in details is evidence, not state.
func AIVerdict(c model.ChangeRecord) string {
	switch c.Reason {
	case step.ReasonAIInclude:
		return model.DecisionInclude
	case step.ReasonAIExclude:
		return model.DecisionExclude
	default:
		return model.DecisionUncertain
	}
}

// FinalDecision resolves the decision shown to readers: the reviewer's
// override when present, otherwise the AI verdict.
func FinalDecision(c model.ChangeRecord, rec model.ReviewRecord) string {
	if rec.Decision != "" {
		return rec.Decision
	}
	return AIVerdict(c)
}

// bucketFor maps a decision to the screening output that carries it.
func bucketFor(decision string) string {
	switch decision {
	case model.DecisionInclude:
		return "passed"
	case model.DecisionExclude:
		return "excluded"
	default:
		return "uncertain"
	}
}

// ApplyOutputMode recomputes a screening run's named output with reviewer
// overrides applied. Entries keep the run's input order, which the change
// log preserves. Pure function: callers load the pieces from the store.
func ApplyOutputMode(entries map[string]model.Entry, changes []model.ChangeRecord, reviews map[string]model.ReviewRecord, output string) []model.Entry {
	var out []model.Entry
	for _, c := range changes {
		e, ok := entries[c.Key]
		if !ok {
			continue
		}
		if bucketFor(FinalDecision(c, reviews[c.Key])) == output {
			out = append(out, e)
		}
	}
	return out
}

// Rows returns the merged review view for a screening run, in input order.
func (s *Service) Rows(ctx context.Context, run *model.StepRun) ([]Row, error) {
	changes, err := s.store.GetChanges(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.GetReviews(ctx, run.ProjectID, run.StepID)
	if err != nil {
		return nil, err
	}
	entries, err := s.runEntries(ctx, run)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(changes))
	for _, c := range changes {
		row := Row{
			Key:        c.Key,
			AIDecision: AIVerdict(c),
		}
		if e, ok := entries[c.Key]; ok {
			row.Title = e.Title
			row.Authors = e.Authors
			row.Year = e.Year
			row.Abstract = e.Abstract
		}
		if dec := decodeDecision(c.Details); dec != nil {
			row.AIConfidence = dec.Confidence
			row.AIReasoning = dec.Reasoning
			row.ReasonCodes = dec.ReasonCodes
		}
		if msg, ok := c.Details["error"].(string); ok {
			row.Error = msg
		}
		if rec, ok := reviews[c.Key]; ok {
			row.ManualDecision = rec.Decision
			row.Checked = rec.Checked
			row.Note = rec.Note
		}
		row.FinalDecision = FinalDecision(c, reviews[c.Key])
		rows = append(rows, row)
	}
	return rows, nil
}

// Update validates and stores one reviewer decision. An empty decision
// clears the override while keeping the checked flag and note.
func (s *Service) Update(ctx context.Context, projectID, stepID string, rec model.ReviewRecord) error {
	if err := validateDecision(rec.Decision); err != nil {
		return err
	}
	if rec.Key == "" {
		return eris.New("review: entry key required")
	}
	return s.store.UpsertReview(ctx, projectID, stepID, rec)
}

// BulkUpdate stores several reviewer decisions in one transaction; it
// validates all of them first, and a write failure leaves none applied.
func (s *Service) BulkUpdate(ctx context.Context, projectID, stepID string, recs []model.ReviewRecord) error {
	for _, rec := range recs {
		if err := validateDecision(rec.Decision); err != nil {
			return eris.Wrapf(err, "review: entry %s", rec.Key)
		}
		if rec.Key == "" {
			return eris.New("review: entry key required")
		}
	}
	return s.store.UpsertReviews(ctx, projectID, stepID, recs)
}

// ComputeStats tallies review progress from the merged rows.
func ComputeStats(rows []Row) Stats {
	st := Stats{Total: len(rows)}
	for _, r := range rows {
		if r.Checked {
			st.Checked++
		}
		if r.ManualDecision != "" && r.ManualDecision != r.AIDecision {
			st.Modified++
		}
		switch r.FinalDecision {
		case model.DecisionInclude:
			st.Included++
		case model.DecisionExclude:
			st.Excluded++
		default:
			st.Uncertain++
		}
	}
	return st
}

// runEntries collects the run's entries across all outputs, keyed by id.
func (s *Service) runEntries(ctx context.Context, run *model.StepRun) (map[string]model.Entry, error) {
	entries := make(map[string]model.Entry)
	for name := range run.Outputs {
		out, err := s.store.GetOutput(ctx, run.ID, name)
		if err != nil {
			return nil, err
		}
		for _, e := range out {
			entries[e.ID] = e
		}
	}
	return entries, nil
}

func validateDecision(decision string) error {
	switch decision {
	case "", model.DecisionInclude, model.DecisionExclude, model.DecisionUncertain:
		return nil
	}
	return eris.Errorf("review: invalid decision %q", decision)
}

// decodeDecision recovers the structured AI decision from a change record's
// details map. Details survive a JSON round trip through the store, so the
// payload may be a map rather than a typed Decision.
func decodeDecision(details map[string]any) *model.Decision {
	raw, ok := details["decision"]
	if !ok {
		return nil
	}
	if dec, ok := raw.(*model.Decision); ok {
		return dec
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var dec model.Decision
	if err := json.Unmarshal(b, &dec); err != nil {
		return nil
	}
	return &dec
}
