// Package rules loads the versioned screening-rules documents that drive AI
// screening. A rules document is a markdown file with an optional YAML front
// matter block declaring its version and machine-readable reason codes.
package rules

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Code declares one reason code the rules document permits: the short label
// the model must cite and whether it argues for inclusion or exclusion.
type Code struct {
	Code        string `yaml:"code" json:"code"`
	Kind        string `yaml:"kind" json:"kind"` // include, exclude, uncertain
	Description string `yaml:"description" json:"description"`
}

// Document is one screening-rules file. Content is the markdown body handed
// to the LLM verbatim; ID is the file stem and doubles as the config value.
type Document struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Title       string `json:"title"`
	Content     string `json:"-"`
	ReasonCodes []Code `json:"reason_codes,omitempty"`
}

// KnownCode reports whether a reason code is declared by the document.
// Documents without declared codes accept anything.
func (d Document) KnownCode(code string) bool {
	if len(d.ReasonCodes) == 0 {
		return true
	}
	for _, c := range d.ReasonCodes {
		if c.Code == code {
			return true
		}
	}
	return false
}

type frontMatter struct {
	Version     string `yaml:"version"`
	ReasonCodes []Code `yaml:"reason_codes"`
}

// Parse reads one rules document from raw markdown.
func Parse(id string, raw []byte) (*Document, error) {
	doc := &Document{ID: id}
	body := string(raw)

	if strings.HasPrefix(body, "---\n") {
		rest := body[4:]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, eris.Errorf("rules: %s: unterminated front matter", id)
		}
		var fm frontMatter
		if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return nil, eris.Wrapf(err, "rules: %s: parse front matter", id)
		}
		doc.Version = fm.Version
		doc.ReasonCodes = fm.ReasonCodes
		body = strings.TrimLeft(rest[end+4:], "\n")
	}

	doc.Content = body
	doc.Title = firstHeading(body)
	if doc.Title == "" {
		doc.Title = id
	}
	return doc, nil
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// Library is a directory of rules documents.
type Library struct {
	dir string
}

// NewLibrary creates a Library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Get loads one rules document by id.
func (l *Library) Get(id string) (*Document, error) {
	path := filepath.Join(l.dir, id+".md")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Errorf("rules: document %q not found", id)
		}
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return Parse(id, raw)
}

// List returns all rules documents in the library, sorted by id.
func (l *Library) List() ([]Document, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.md"))
	if err != nil {
		return nil, eris.Wrap(err, "rules: glob")
	}
	sort.Strings(matches)

	docs := make([]Document, 0, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: read %s", path)
		}
		id := strings.TrimSuffix(filepath.Base(path), ".md")
		doc, err := Parse(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// IDs returns the available document ids, sorted.
func (l *Library) IDs() []string {
	matches, _ := filepath.Glob(filepath.Join(l.dir, "*.md"))
	sort.Strings(matches)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".md"))
	}
	return ids
}
