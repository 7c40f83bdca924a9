// Package model defines the core domain types for the screening pipeline:
// bibliographic entries, pipeline and step definitions, run records, and the
// per-entry change log.
package model

import "strings"

// Entry is a single bibliographic record moving through the pipeline.
// ID is the citation key and must be unique within any one input snapshot.
// Fields carries any additional BibTeX fields not modeled explicitly.
type Entry struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Authors  string            `json:"authors,omitempty"`
	Year     string            `json:"year,omitempty"`
	DOI      string            `json:"doi,omitempty"`
	Abstract string            `json:"abstract,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Field returns the value of a named field, checking the explicit attributes
// first and falling back to the extra-fields map.
func (e Entry) Field(name string) string {
	switch strings.ToLower(name) {
	case "title":
		return e.Title
	case "author", "authors":
		return e.Authors
	case "year":
		return e.Year
	case "doi":
		return e.DOI
	case "abstract":
		return e.Abstract
	}
	return e.Fields[name]
}

// HasDOI reports whether the entry carries a non-empty DOI.
func (e Entry) HasDOI() bool {
	return strings.TrimSpace(e.DOI) != ""
}

// Completeness counts how many of the fields that matter for representative
// selection are populated. Richer entries win duplicate clusters.
func (e Entry) Completeness() int {
	score := 0
	for _, v := range []string{e.Title, e.Authors, e.Year, e.Abstract, e.DOI} {
		if strings.TrimSpace(v) != "" {
			score++
		}
	}
	for _, f := range []string{"journal", "booktitle"} {
		if strings.TrimSpace(e.Fields[f]) != "" {
			score++
		}
	}
	return score
}

// EntryIDs returns the ids of entries in order.
func EntryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
