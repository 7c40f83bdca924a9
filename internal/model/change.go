package model

// Action classifies what a step decided to do with one input entry.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionRemove Action = "remove"
	ActionModify Action = "modify"
)

// ChangeRecord is the per-entry decision and justification for one step run.
// Every input entry of a run has exactly one ChangeRecord; nothing is dropped
// silently. Details carries handler-specific evidence, e.g. duplicate_of and
// matched_field for dedup, or the full AI decision payload for screening.
type ChangeRecord struct {
	Key     string         `json:"key"`
	Action  Action         `json:"action"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision verdicts for AI screening.
const (
	DecisionInclude   = "include"
	DecisionExclude   = "exclude"
	DecisionUncertain = "uncertain"
)

// ReasonCode pairs a short machine-readable rule code with the evidence the
// model cited for it. The primary code comes first in a decision's list.
type ReasonCode struct {
	Code     string `json:"code"`
	Evidence string `json:"evidence,omitempty"`
}

// Decision is the structured result of classifying one entry against a rules
// document.
type Decision struct {
	Verdict     string       `json:"decision"`
	Confidence  float64      `json:"confidence"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ReasonCodes []ReasonCode `json:"reason_codes,omitempty"`
	Model       string       `json:"model,omitempty"`
	TokensUsed  int64        `json:"tokens_used,omitempty"`
	LatencyMS   int64        `json:"latency_ms,omitempty"`
}
