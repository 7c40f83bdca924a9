package step

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/refsift/refsift/internal/model"
)

// Shared helpers for the deduplication handlers: key normalization,
// similarity measures, threshold clustering, and representative selection.

// accentStripper decomposes Unicode text and drops combining marks, so that
// "Müller" and "Muller" normalize to the same key.
var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeTitle produces the clustering key for a title: accents stripped,
// case-folded, braces and punctuation removed, whitespace collapsed.
func normalizeTitle(title string) string {
	if title == "" {
		return ""
	}
	stripped, _, err := transform.String(accentStripper, title)
	if err != nil {
		stripped = title
	}
	cleaned := strings.NewReplacer("{", "", "}", "").Replace(stripped)
	cleaned = nonAlnum.ReplaceAllString(strings.ToLower(cleaned), " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// normalizeAuthorToken reduces one author name part to a comparison token.
func normalizeAuthorToken(token string) string {
	stripped, _, err := transform.String(accentStripper, token)
	if err != nil {
		stripped = token
	}
	return nonAlnum.ReplaceAllString(strings.ToLower(stripped), "")
}

var authorSplit = regexp.MustCompile(`\s+and\s+|;`)

// lastNames extracts the set of normalized last names from a BibTeX author
// field ("Lastname, First and Lastname, First" or "First Lastname and ...").
func lastNames(authorField string) map[string]bool {
	names := make(map[string]bool)
	if authorField == "" {
		return names
	}
	for _, part := range authorSplit.Split(authorField, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var last string
		if idx := strings.Index(part, ","); idx >= 0 {
			last = strings.TrimSpace(part[:idx])
		} else {
			tokens := strings.Fields(part)
			if len(tokens) == 0 {
				continue
			}
			last = tokens[len(tokens)-1]
		}
		if n := normalizeAuthorToken(last); n != "" {
			names[n] = true
		}
	}
	return names
}

// jaccard computes set similarity between two last-name sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// similarityRatio computes a [0,1] similarity between two normalized strings
// as 2*LCS/(len(a)+len(b)) over runes. Identical strings score 1.
func similarityRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// unionFind is a plain disjoint-set structure with path halving.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[rb] = ra
	}
}

// clusterByThreshold groups indices whose pairwise similarity meets the
// threshold. Clusters come back ordered by their smallest member index, and
// members within a cluster keep input order, so clustering is deterministic
// for a given input.
func clusterByThreshold(n int, threshold float64, sim func(i, j int) float64) [][]int {
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sim(i, j) >= threshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := 0; i < n; i++ {
		root := uf.find(i)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], i)
	}
	sort.Slice(roots, func(a, b int) bool { return groups[roots[a]][0] < groups[roots[b]][0] })

	clusters := make([][]int, 0, len(roots))
	for _, r := range roots {
		clusters = append(clusters, groups[r])
	}
	return clusters
}

// RepresentativePolicy selects which entry survives a duplicate cluster. The
// tie-break chain is deliberately configurable policy, not fixed law: newest
// year first, then source-database priority, then DOI presence, then metadata
// completeness with abstract length as the richness signal, then input order.
type RepresentativePolicy struct {
	DatabasePriority []string
	PreferDOI        bool
}

// Pick returns the representative index from a cluster's member indices.
func (p RepresentativePolicy) Pick(members []int, entries []model.Entry) int {
	ranks := p.priorityRanks()
	best := members[0]
	for _, idx := range members[1:] {
		if p.less(entries, ranks, idx, best) {
			best = idx
		}
	}
	return best
}

func (p RepresentativePolicy) less(entries []model.Entry, ranks map[string]int, a, b int) bool {
	ea, eb := entries[a], entries[b]

	if ya, yb := parseYear(ea.Year), parseYear(eb.Year); ya != yb {
		return ya > yb
	}
	if ra, rb := databaseRank(ea, ranks), databaseRank(eb, ranks); ra != rb {
		return ra < rb
	}
	if p.PreferDOI && ea.HasDOI() != eb.HasDOI() {
		return ea.HasDOI()
	}
	if la, lb := len(ea.Abstract), len(eb.Abstract); la != lb {
		return la > lb
	}
	if ca, cb := ea.Completeness(), eb.Completeness(); ca != cb {
		return ca > cb
	}
	return a < b
}

func (p RepresentativePolicy) priorityRanks() map[string]int {
	if len(p.DatabasePriority) == 0 {
		return nil
	}
	ranks := make(map[string]int, len(p.DatabasePriority))
	for _, name := range p.DatabasePriority {
		if n := normalizeDatabaseName(name); n != "" {
			if _, ok := ranks[n]; !ok {
				ranks[n] = len(ranks)
			}
		}
	}
	return ranks
}

func parseYear(raw string) int {
	y, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return y
}

// parseDatabasePriority accepts "ACM, IEEE, WoS" or "ACM > IEEE > WoS".
func parseDatabasePriority(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := regexp.MustCompile(`[,>\n]+`).Split(raw, -1)
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeDatabaseName maps free-form source database labels to canonical
// short names.
func normalizeDatabaseName(raw string) string {
	compact := nonAlnum.ReplaceAllString(strings.ToLower(raw), "")
	if compact == "" {
		return ""
	}
	switch {
	case strings.Contains(compact, "webofscience") || compact == "wos":
		return "wos"
	case strings.Contains(compact, "ieee") || strings.Contains(compact, "xplore"):
		return "ieee"
	case strings.Contains(compact, "acm"):
		return "acm"
	case strings.Contains(compact, "arxiv"):
		return "arxiv"
	case strings.Contains(compact, "springer"):
		return "springer"
	case strings.Contains(compact, "scopus"):
		return "scopus"
	case strings.Contains(compact, "pubmed") || strings.Contains(compact, "medline"):
		return "pubmed"
	case strings.Contains(compact, "sciencedirect") || strings.Contains(compact, "elsevier"):
		return "sciencedirect"
	}
	return compact
}

// databaseRank resolves the entry's source database and maps it to its
// priority rank. Entries from unlisted databases rank after all listed ones.
func databaseRank(e model.Entry, ranks map[string]int) int {
	const unranked = 1 << 20
	if len(ranks) == 0 {
		return unranked
	}
	db := inferDatabase(e)
	if r, ok := ranks[db]; ok {
		return r
	}
	return unranked + len(ranks)
}

// inferDatabase guesses the source database from explicit source fields, the
// DOI prefix, or publisher/venue text.
func inferDatabase(e model.Entry) string {
	for _, key := range []string{"_source_database", "_database", "database"} {
		if n := normalizeDatabaseName(e.Fields[key]); n != "" {
			return n
		}
	}

	doi := strings.ToLower(strings.TrimSpace(e.DOI))
	switch {
	case strings.HasPrefix(doi, "10.1145/"):
		return "acm"
	case strings.HasPrefix(doi, "10.1109/"):
		return "ieee"
	case strings.HasPrefix(doi, "10.48550/arxiv."):
		return "arxiv"
	}

	text := strings.Join([]string{
		e.Fields["publisher"], e.Fields["journal"], e.Fields["booktitle"], e.Fields["series"],
	}, " ")
	return normalizeDatabaseName(text)
}

// applyOverride rewrites a computed change according to a reviewer override.
// Returns the adjusted change and whether the entry lands in the passed
// output.
func applyOverride(change model.ChangeRecord, ov model.ClusterOverride, kind string) (model.ChangeRecord, bool) {
	details := map[string]any{"override": ov.Decision}
	for k, v := range change.Details {
		details[k] = v
	}
	switch ov.Decision {
	case model.OverrideKeep:
		change.Action = model.ActionKeep
		change.Reason = fmt.Sprintf("%s_manual_keep", kind)
	case model.OverrideRemove:
		change.Action = model.ActionRemove
		change.Reason = fmt.Sprintf("%s_manual_remove", kind)
	case model.OverrideDetach:
		change.Action = model.ActionKeep
		change.Reason = fmt.Sprintf("unique_%s_manual", kind)
		delete(details, "cluster_id")
		delete(details, "representative_id")
	default:
		return change, change.Action == model.ActionKeep
	}
	change.Details = details
	return change, change.Action == model.ActionKeep
}
