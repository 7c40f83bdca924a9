package step

import (
	"context"
	"fmt"
	"sort"

	"github.com/refsift/refsift/internal/model"
)

// TitleDedupHandler clusters entries by title similarity and keeps one
// representative per cluster. Reviewer cluster overrides take precedence over
// the automatic decision on re-runs.
type TitleDedupHandler struct{}

func (TitleDedupHandler) Type() string { return "dedup-title" }
func (TitleDedupHandler) Name() string { return "Title Deduplication" }
func (TitleDedupHandler) Description() string {
	return "Cluster entries by title similarity and keep one representative per cluster."
}

func (TitleDedupHandler) Outputs() []OutputDefinition {
	return []OutputDefinition{
		{Name: "passed", Description: "Representatives and unique entries kept after title clustering", Required: true},
		{Name: "duplicates", Description: "Entries removed as title duplicates", Required: true},
	}
}

func (TitleDedupHandler) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"similarity_threshold": {
				Type: TypeNumber, Default: 0.9, Minimum: ptr(0), Maximum: ptr(1),
				Description: "Title similarity threshold for clustering",
			},
			"database_priority": {
				Type: TypeString, Default: "",
				Description: "Preferred source database order for representative selection (e.g. ACM, IEEE, WoS)",
			},
		},
	}
}

func (h TitleDedupHandler) Run(ctx context.Context, entries []model.Entry, cfg Config, rc *Context) (*Result, error) {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = normalizeTitle(e.Title)
	}

	policy := RepresentativePolicy{
		DatabasePriority: parseDatabasePriority(cfg.String("database_priority")),
		PreferDOI:        true,
	}

	return runClusterDedup(clusterParams{
		kind:      "title",
		entries:   entries,
		threshold: cfg.Float("similarity_threshold"),
		sim: func(i, j int) float64 {
			return similarityRatio(keys[i], keys[j])
		},
		policy:        policy,
		removeMembers: true,
		overrides:     overridesFrom(rc),
	}), nil
}

func overridesFrom(rc *Context) map[string]model.ClusterOverride {
	if rc == nil {
		return nil
	}
	return rc.ClusterOverrides
}

type clusterParams struct {
	kind          string // "title" or "author"
	entries       []model.Entry
	threshold     float64
	sim           func(i, j int) float64
	policy        RepresentativePolicy
	removeMembers bool
	overrides     map[string]model.ClusterOverride
}

// runClusterDedup is the shared core of the title and author handlers:
// threshold clustering, representative selection, override application, and
// input-order normalization of changes and outputs.
func runClusterDedup(p clusterParams) *Result {
	clusters := clusterByThreshold(len(p.entries), p.threshold, p.sim)

	changes := make([]model.ChangeRecord, len(p.entries))
	var payloads []model.Cluster
	multi := 0

	for ci, members := range clusters {
		if len(members) == 1 {
			idx := members[0]
			changes[idx] = model.ChangeRecord{
				Key: p.entries[idx].ID, Action: model.ActionKeep,
				Reason: "unique_" + p.kind,
			}
			continue
		}

		multi++
		clusterID := fmt.Sprintf("cluster-%d", ci+1)
		repIdx := p.policy.Pick(members, p.entries)
		rep := p.entries[repIdx]

		changes[repIdx] = model.ChangeRecord{
			Key: rep.ID, Action: model.ActionKeep,
			Reason: fmt.Sprintf("duplicate_%s_representative", p.kind),
			Details: map[string]any{"cluster_id": clusterID, "similarity": 1.0},
		}

		cluster := model.Cluster{
			ID:               clusterID,
			Size:             len(members),
			RepresentativeID: rep.ID,
		}

		total := 0.0
		for _, idx := range members {
			sim := 1.0
			if idx != repIdx {
				sim = p.sim(repIdx, idx)
				action := model.ActionKeep
				reason := fmt.Sprintf("duplicate_%s_member", p.kind)
				if p.removeMembers {
					action = model.ActionRemove
					reason = "duplicate_" + p.kind
				}
				changes[idx] = model.ChangeRecord{
					Key: p.entries[idx].ID, Action: action, Reason: reason,
					Details: map[string]any{
						"cluster_id":        clusterID,
						"representative_id": rep.ID,
						"matched_field":     p.kind,
						"similarity":        sim,
					},
				}
			}
			total += sim
			cluster.Members = append(cluster.Members, model.ClusterMember{
				ID:         p.entries[idx].ID,
				Title:      p.entries[idx].Title,
				Authors:    p.entries[idx].Authors,
				Year:       p.entries[idx].Year,
				Similarity: sim,
			})
		}
		cluster.AverageSimilarity = total / float64(len(members))
		sort.Slice(cluster.Members, func(a, b int) bool {
			return cluster.Members[a].Similarity < cluster.Members[b].Similarity
		})
		payloads = append(payloads, cluster)
	}

	// Reviewer overrides take precedence over the computed decision.
	var passed, removed []model.Entry
	for i, e := range p.entries {
		keep := changes[i].Action == model.ActionKeep
		if ov, ok := p.overrides[e.ID]; ok {
			changes[i], keep = applyOverride(changes[i], ov, p.kind)
		}
		if keep {
			passed = append(passed, e)
		} else {
			removed = append(removed, e)
		}
	}

	// Reflect final actions in the cluster payloads for review display.
	actionByID := make(map[string]model.Action, len(changes))
	for _, c := range changes {
		actionByID[c.Key] = c.Action
	}
	for i := range payloads {
		for m := range payloads[i].Members {
			payloads[i].Members[m].Action = actionByID[payloads[i].Members[m].ID]
		}
	}
	sort.Slice(payloads, func(a, b int) bool {
		if payloads[a].AverageSimilarity != payloads[b].AverageSimilarity {
			return payloads[a].AverageSimilarity > payloads[b].AverageSimilarity
		}
		return payloads[a].ID < payloads[b].ID
	})

	return &Result{
		Outputs: map[string][]model.Entry{"passed": passed, "duplicates": removed},
		Changes: changes,
		Details: map[string]any{
			"similarity_threshold": p.threshold,
			"clusters":             payloads,
			"total_clusters":       multi,
		},
	}
}
