package step

import (
	"context"
	"strings"

	"github.com/refsift/refsift/internal/model"
)

// DOIDedupHandler removes entries whose normalized DOI was already seen. The
// first occurrence in input order is the representative; entries without a
// DOI are kept (or removed) according to config.
type DOIDedupHandler struct{}

func (DOIDedupHandler) Type() string { return "dedup-doi" }
func (DOIDedupHandler) Name() string { return "DOI Deduplication" }
func (DOIDedupHandler) Description() string {
	return "Remove duplicate entries sharing a normalized DOI. Entries without DOI are kept by default."
}

func (DOIDedupHandler) Outputs() []OutputDefinition {
	return []OutputDefinition{
		{Name: "passed", Description: "Unique entries: first occurrence of each DOI plus entries without DOI", Required: true},
		{Name: "duplicates", Description: "Later occurrences of an already-seen DOI", Required: true},
	}
}

func (DOIDedupHandler) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"case_sensitive": {Type: TypeBool, Default: false, Description: "Compare DOIs case-sensitively"},
			"keep_no_doi":    {Type: TypeBool, Default: true, Description: "Keep entries without a DOI in the passed output"},
		},
	}
}

// normalizeDOI strips resolver prefixes and surrounding whitespace. Case
// folding is applied separately, controlled by config.
func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "doi.org/", "doi:", "DOI:"} {
		doi = strings.TrimPrefix(doi, prefix)
	}
	return doi
}

func (h DOIDedupHandler) Run(ctx context.Context, entries []model.Entry, cfg Config, _ *Context) (*Result, error) {
	caseSensitive := cfg.Bool("case_sensitive")
	keepNoDOI := cfg.Bool("keep_no_doi")

	var passed, duplicates []model.Entry
	changes := make([]model.ChangeRecord, 0, len(entries))
	seen := make(map[string]string) // normalized DOI -> representative entry id

	for _, e := range entries {
		doi := normalizeDOI(e.DOI)
		key := doi
		if !caseSensitive {
			key = strings.ToLower(doi)
		}

		switch {
		case doi == "":
			if keepNoDOI {
				passed = append(passed, e)
				changes = append(changes, model.ChangeRecord{
					Key: e.ID, Action: model.ActionKeep, Reason: "no_doi",
				})
			} else {
				duplicates = append(duplicates, e)
				changes = append(changes, model.ChangeRecord{
					Key: e.ID, Action: model.ActionRemove, Reason: "no_doi_removed",
				})
			}

		case seen[key] != "":
			duplicates = append(duplicates, e)
			changes = append(changes, model.ChangeRecord{
				Key: e.ID, Action: model.ActionRemove, Reason: "duplicate_doi",
				Details: map[string]any{
					"doi":           doi,
					"matched_field": "doi",
					"original_key":  seen[key],
				},
			})

		default:
			seen[key] = e.ID
			passed = append(passed, e)
			changes = append(changes, model.ChangeRecord{
				Key: e.ID, Action: model.ActionKeep, Reason: "unique_doi",
				Details: map[string]any{"doi": doi},
			})
		}
	}

	return &Result{
		Outputs: map[string][]model.Entry{"passed": passed, "duplicates": duplicates},
		Changes: changes,
		Details: map[string]any{
			"total_input":     len(entries),
			"unique_count":    len(passed),
			"duplicate_count": len(duplicates),
			"unique_dois":     len(seen),
		},
	}, nil
}
