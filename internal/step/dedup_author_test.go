package step

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/refsift/refsift/internal/model"
)

func authorEntries() []model.Entry {
	return []model.Entry{
		{ID: "a", Title: "Study One", Authors: "Smith, Jane and Doe, John", Year: "2020"},
		{ID: "b", Title: "Study Two", Authors: "Jane Smith and John Doe", Year: "2021"},
		{ID: "c", Title: "Unrelated", Authors: "Patel, Anika", Year: "2019"},
	}
}

func TestAuthorDedup_FlagsByDefault(t *testing.T) {
	res := runHandler(t, AuthorDedupHandler{}, authorEntries(), map[string]any{}, nil)

	// Default keeps cluster members flagged instead of removing them.
	assert.Equal(t, []string{"a", "b", "c"}, outputIDs(res, "passed"))
	assert.Empty(t, outputIDs(res, "duplicates"))

	assert.Equal(t, "duplicate_author_representative", changeFor(t, res, "b").Reason)

	member := changeFor(t, res, "a")
	assert.Equal(t, model.ActionKeep, member.Action)
	assert.Equal(t, "duplicate_author_member", member.Reason)
	assert.Equal(t, "b", member.Details["representative_id"])

	assert.Equal(t, "unique_author", changeFor(t, res, "c").Reason)
}

func TestAuthorDedup_RemoveDuplicates(t *testing.T) {
	res := runHandler(t, AuthorDedupHandler{}, authorEntries(), map[string]any{"remove_duplicates": true}, nil)

	assert.Equal(t, []string{"b", "c"}, outputIDs(res, "passed"))
	assert.Equal(t, []string{"a"}, outputIDs(res, "duplicates"))
	assert.Equal(t, "duplicate_author", changeFor(t, res, "a").Reason)
}

func TestAuthorDedup_ThresholdExcludesPartialOverlap(t *testing.T) {
	entries := []model.Entry{
		{ID: "a", Authors: "Smith, Jane and Doe, John and Khan, Omar"},
		{ID: "b", Authors: "Smith, Jane and Lee, Min"},
	}

	// Jaccard({smith,doe,khan},{smith,lee}) = 1/4, below the 0.8 default.
	res := runHandler(t, AuthorDedupHandler{}, entries, map[string]any{}, nil)
	assert.Equal(t, []string{"a", "b"}, outputIDs(res, "passed"))
	assert.Equal(t, "unique_author", changeFor(t, res, "a").Reason)
}

func TestAuthorDedup_DatabasePriority(t *testing.T) {
	entries := []model.Entry{
		{ID: "ieee", Title: "Fuzzing Deep Learning Systems", Authors: "Smith, Jane and Doe, John", Year: "2021", DOI: "10.1109/2"},
		{ID: "acm", Title: "Fuzzing Deep Learning Systems", Authors: "Smith, Jane and Doe, John", Year: "2021", DOI: "10.1145/2"},
	}

	res := runHandler(t, AuthorDedupHandler{}, entries,
		map[string]any{"remove_duplicates": true, "database_priority": "ACM, IEEE"}, nil)

	assert.Equal(t, []string{"acm"}, outputIDs(res, "passed"))
	assert.Equal(t, []string{"ieee"}, outputIDs(res, "duplicates"))
}

func TestAuthorDedup_OverrideRemoveMember(t *testing.T) {
	overrides := map[string]model.ClusterOverride{
		"a": {EntryID: "a", Decision: model.OverrideRemove},
	}

	res := runHandler(t, AuthorDedupHandler{}, authorEntries(), map[string]any{}, &Context{ClusterOverrides: overrides})

	assert.Equal(t, []string{"b", "c"}, outputIDs(res, "passed"))
	assert.Equal(t, []string{"a"}, outputIDs(res, "duplicates"))
	assert.Equal(t, "author_manual_remove", changeFor(t, res, "a").Reason)
}
