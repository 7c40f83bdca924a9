package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsift/refsift/internal/model"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Deep Learning for Vulnerability Detection", "deep learning for vulnerability detection"},
		{"{Deep} Learning: for Vulnerability-Detection!", "deep learning for vulnerability detection"},
		{"Über Müller's Systematic Review", "uber muller s systematic review"},
		{"  spaced   out\ttitle ", "spaced out title"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeTitle(tt.in), "input %q", tt.in)
	}
}

func TestLastNames(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Smith, Jane and Doe, John", []string{"smith", "doe"}},
		{"Jane Smith and John Doe", []string{"smith", "doe"}},
		{"Müller, Hans", []string{"muller"}},
		{"Smith, J.; Doe, J.", []string{"smith", "doe"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := lastNames(tt.in)
		assert.Len(t, got, len(tt.want), "input %q", tt.in)
		for _, name := range tt.want {
			assert.True(t, got[name], "input %q missing %q", tt.in, name)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"smith": true, "doe": true}
	b := map[string]bool{"smith": true, "doe": true}
	c := map[string]bool{"smith": true, "khan": true}
	d := map[string]bool{"patel": true}

	assert.Equal(t, 1.0, jaccard(a, b))
	assert.InDelta(t, 1.0/3.0, jaccard(a, c), 0.001)
	assert.Equal(t, 0.0, jaccard(a, d))
	assert.Equal(t, 0.0, jaccard(a, map[string]bool{}))
}

func TestSimilarityRatio(t *testing.T) {
	assert.Equal(t, 1.0, similarityRatio("deep learning", "deep learning"))
	assert.Equal(t, 0.0, similarityRatio("", "deep learning"))
	assert.Greater(t, similarityRatio("deep learning for bugs", "deep learning for bug"), 0.9)
	assert.Less(t, similarityRatio("deep learning", "formal verification"), 0.5)
}

func TestClusterByThreshold(t *testing.T) {
	// Pairwise sims: 0-1 similar, 2 alone, 3-4 similar.
	simMatrix := map[[2]int]float64{
		{0, 1}: 0.95,
		{3, 4}: 0.92,
	}
	sim := func(i, j int) float64 {
		if i > j {
			i, j = j, i
		}
		return simMatrix[[2]int{i, j}]
	}

	clusters := clusterByThreshold(5, 0.9, sim)
	require.Len(t, clusters, 3)
	assert.Equal(t, []int{0, 1}, clusters[0])
	assert.Equal(t, []int{2}, clusters[1])
	assert.Equal(t, []int{3, 4}, clusters[2])
}

func TestClusterByThreshold_Transitive(t *testing.T) {
	// 0~1 and 1~2 merge all three even though 0 and 2 are dissimilar.
	sim := func(i, j int) float64 {
		if i > j {
			i, j = j, i
		}
		if (i == 0 && j == 1) || (i == 1 && j == 2) {
			return 0.95
		}
		return 0
	}

	clusters := clusterByThreshold(3, 0.9, sim)
	require.Len(t, clusters, 1)
	assert.Equal(t, []int{0, 1, 2}, clusters[0])
}

func TestRepresentativePolicy_Pick(t *testing.T) {
	entries := []model.Entry{
		{ID: "old", Year: "2019", DOI: "10.1145/1", Abstract: "long abstract text"},
		{ID: "new", Year: "2022"},
		{ID: "newer-rich", Year: "2022", DOI: "10.1145/2", Abstract: "some abstract"},
	}

	policy := RepresentativePolicy{PreferDOI: true}
	// Newest year wins over DOI presence; among equal years DOI breaks the tie.
	got := policy.Pick([]int{0, 1, 2}, entries)
	assert.Equal(t, 2, got)
}

func TestRepresentativePolicy_DatabasePriority(t *testing.T) {
	entries := []model.Entry{
		{ID: "ieee", Year: "2021", DOI: "10.1109/x"},
		{ID: "acm", Year: "2021", DOI: "10.1145/x"},
	}

	policy := RepresentativePolicy{DatabasePriority: parseDatabasePriority("ACM, IEEE"), PreferDOI: true}
	assert.Equal(t, 1, policy.Pick([]int{0, 1}, entries))

	policy.DatabasePriority = parseDatabasePriority("IEEE > ACM")
	assert.Equal(t, 0, policy.Pick([]int{0, 1}, entries))
}

func TestRepresentativePolicy_InputOrderTieBreak(t *testing.T) {
	entries := []model.Entry{
		{ID: "a", Year: "2021"},
		{ID: "b", Year: "2021"},
	}
	assert.Equal(t, 0, RepresentativePolicy{}.Pick([]int{0, 1}, entries))
}

func TestParseDatabasePriority(t *testing.T) {
	assert.Equal(t, []string{"ACM", "IEEE", "WoS"}, parseDatabasePriority("ACM, IEEE, WoS"))
	assert.Equal(t, []string{"ACM", "IEEE"}, parseDatabasePriority("ACM > IEEE"))
	assert.Nil(t, parseDatabasePriority("   "))
}

func TestInferDatabase(t *testing.T) {
	tests := []struct {
		name  string
		entry model.Entry
		want  string
	}{
		{"explicit_field", model.Entry{Fields: map[string]string{"_source_database": "Web of Science"}}, "wos"},
		{"acm_doi", model.Entry{DOI: "10.1145/3290353", Fields: map[string]string{}}, "acm"},
		{"ieee_doi", model.Entry{DOI: "10.1109/TSE.2021.1", Fields: map[string]string{}}, "ieee"},
		{"arxiv_doi", model.Entry{DOI: "10.48550/arXiv.2101.00001", Fields: map[string]string{}}, "arxiv"},
		{"publisher_text", model.Entry{Fields: map[string]string{"publisher": "Springer Nature"}}, "springer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferDatabase(tt.entry))
		})
	}
}
