package model

import "time"

// ReviewRecord is a human overlay on one AI screening decision. It lives in a
// separate table from the machine decision and never mutates the original
// ChangeRecord: reconciliation happens at read time only. An absent record
// means the AI decision stands.
type ReviewRecord struct {
	Key       string    `json:"key"`
	Decision  string    `json:"decision,omitempty"` // include, exclude, uncertain; empty = no override
	Checked   bool      `json:"checked"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClusterMember is one entry inside a duplicate cluster, with its similarity
// to the cluster representative and the action the handler took.
type ClusterMember struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Authors    string  `json:"authors,omitempty"`
	Year       string  `json:"year,omitempty"`
	Similarity float64 `json:"similarity"`
	Action     Action  `json:"action"`
}

// Cluster is a group of entries a dedup handler considered duplicates of one
// another, persisted with each run so reviewers can inspect and correct it.
type Cluster struct {
	ID                string          `json:"id"`
	Size              int             `json:"size"`
	RepresentativeID  string          `json:"representative_id"`
	AverageSimilarity float64         `json:"average_similarity"`
	Members           []ClusterMember `json:"members"`
}

// Cluster override decisions.
const (
	OverrideKeep   = "keep"   // force the entry into the passed output
	OverrideRemove = "remove" // force the entry into the duplicates output
	OverrideDetach = "detach" // treat the entry as unique, outside any cluster
)

// ClusterOverride is a reviewer correction to automatic clustering. Overrides
// are keyed by entry and take precedence over the computed cluster action on
// the next run of the same step.
type ClusterOverride struct {
	EntryID   string    `json:"entry_id"`
	Decision  string    `json:"decision"`
	UpdatedAt time.Time `json:"updated_at"`
}
