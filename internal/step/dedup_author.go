package step

import (
	"context"

	"github.com/refsift/refsift/internal/model"
)

// AuthorDedupHandler clusters entries by author-list similarity (Jaccard over
// normalized last names). Cluster members are kept by default and only
// flagged; set remove_duplicates to actually drop them.
type AuthorDedupHandler struct{}

func (AuthorDedupHandler) Type() string { return "dedup-author" }
func (AuthorDedupHandler) Name() string { return "Author Deduplication" }
func (AuthorDedupHandler) Description() string {
	return "Cluster entries by author similarity and keep one representative per cluster."
}

func (AuthorDedupHandler) Outputs() []OutputDefinition {
	return []OutputDefinition{
		{Name: "passed", Description: "Entries kept after author clustering", Required: true},
		{Name: "duplicates", Description: "Entries removed as author duplicates", Required: true},
	}
}

func (AuthorDedupHandler) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"similarity_threshold": {
				Type: TypeNumber, Default: 0.8, Minimum: ptr(0), Maximum: ptr(1),
				Description: "Author similarity threshold for clustering",
			},
			"database_priority": {
				Type: TypeString, Default: "",
				Description: "Preferred source database order for representative selection (e.g. ACM, IEEE, WoS)",
			},
			"remove_duplicates": {
				Type: TypeBool, Default: false,
				Description: "Remove cluster members instead of keeping them flagged",
			},
		},
	}
}

func (h AuthorDedupHandler) Run(ctx context.Context, entries []model.Entry, cfg Config, rc *Context) (*Result, error) {
	sets := make([]map[string]bool, len(entries))
	for i, e := range entries {
		sets[i] = lastNames(e.Authors)
	}

	return runClusterDedup(clusterParams{
		kind:      "author",
		entries:   entries,
		threshold: cfg.Float("similarity_threshold"),
		sim: func(i, j int) float64 {
			return jaccard(sets[i], sets[j])
		},
		policy: RepresentativePolicy{
			DatabasePriority: parseDatabasePriority(cfg.String("database_priority")),
			PreferDOI:        true,
		},
		removeMembers: cfg.Bool("remove_duplicates"),
		overrides:     overridesFrom(rc),
	}), nil
}
