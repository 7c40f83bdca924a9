// Package bib parses and serializes BibTeX records. It is the loader behind
// project source import and the writer behind exports; the pipeline core
// only ever sees model.Entry values.
package bib

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
)

// explicit entry attributes; everything else lands in Entry.Fields.
const (
	fieldTitle    = "title"
	fieldAuthor   = "author"
	fieldYear     = "year"
	fieldDOI      = "doi"
	fieldAbstract = "abstract"
)

// Parse reads a BibTeX document into entries, in file order. Citation keys
// must be unique; a duplicate key is an error because downstream steps key
// their change logs by it. @comment, @preamble, and @string blocks are
// skipped.
func Parse(r io.Reader) ([]model.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "bib: read")
	}

	p := &parser{src: []rune(string(data))}
	var entries []model.Entry
	seen := make(map[string]bool)

	for {
		entry, ok, err := p.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if seen[entry.ID] {
			return nil, eris.Errorf("bib: duplicate citation key %q", entry.ID)
		}
		seen[entry.ID] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

type parser struct {
	src  []rune
	pos  int
	line int
}

// next scans forward to the next @entry and parses it. Skipped block types
// and free text between entries are ignored.
func (p *parser) next() (model.Entry, bool, error) {
	for {
		if !p.seek('@') {
			return model.Entry{}, false, nil
		}
		entryType := strings.ToLower(p.ident())
		switch entryType {
		case "comment", "preamble", "string":
			if err := p.skipBlock(); err != nil {
				return model.Entry{}, false, err
			}
			continue
		case "":
			return model.Entry{}, false, p.errf("expected entry type after @")
		}

		entry, err := p.parseEntry(entryType)
		if err != nil {
			return model.Entry{}, false, err
		}
		return entry, true, nil
	}
}

func (p *parser) parseEntry(entryType string) (model.Entry, error) {
	p.skipSpace()
	if !p.consume('{') {
		return model.Entry{}, p.errf("expected { after @%s", entryType)
	}

	key := p.until(',', '}')
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Entry{}, p.errf("@%s entry has no citation key", entryType)
	}
	entry := model.Entry{ID: key, Type: entryType}

	for {
		p.skipSpace()
		if p.consume('}') {
			return entry, nil
		}
		if p.consume(',') {
			continue
		}
		if p.eof() {
			return model.Entry{}, p.errf("unterminated entry %q", key)
		}

		name := strings.ToLower(p.ident())
		if name == "" {
			return model.Entry{}, p.errf("entry %q: expected field name", key)
		}
		p.skipSpace()
		if !p.consume('=') {
			return model.Entry{}, p.errf("entry %q: expected = after field %q", key, name)
		}
		value, err := p.fieldValue(key, name)
		if err != nil {
			return model.Entry{}, err
		}
		setField(&entry, name, value)
	}
}

// fieldValue parses one field value: a balanced {...} group, a "..." string,
// or a bare word (numbers, month macros).
func (p *parser) fieldValue(key, name string) (string, error) {
	p.skipSpace()
	switch {
	case p.consume('{'):
		return p.braced(key, name)
	case p.consume('"'):
		val := p.until('"')
		if !p.consume('"') {
			return "", p.errf("entry %q: unterminated quoted value for %q", key, name)
		}
		return collapse(val), nil
	default:
		var b strings.Builder
		for !p.eof() {
			r := p.src[p.pos]
			if r == ',' || r == '}' || unicode.IsSpace(r) {
				break
			}
			b.WriteRune(r)
			p.pos++
		}
		if b.Len() == 0 {
			return "", p.errf("entry %q: empty value for field %q", key, name)
		}
		return b.String(), nil
	}
}

// braced consumes a brace-balanced value; the opening brace is already
// consumed. Inner braces are kept, they mark protected capitalization.
func (p *parser) braced(key, name string) (string, error) {
	var b strings.Builder
	depth := 1
	for !p.eof() {
		r := p.src[p.pos]
		p.pos++
		if r == '\n' {
			p.line++
		}
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return collapse(b.String()), nil
			}
		}
		b.WriteRune(r)
	}
	return "", p.errf("entry %q: unbalanced braces in field %q", key, name)
}

// skipBlock consumes a brace-balanced @comment/@preamble/@string body.
func (p *parser) skipBlock() error {
	p.skipSpace()
	if !p.consume('{') {
		// Line comment form: skip to end of line.
		p.until('\n')
		return nil
	}
	depth := 1
	for !p.eof() {
		switch p.src[p.pos] {
		case '{':
			depth++
		case '}':
			depth--
		case '\n':
			p.line++
		}
		p.pos++
		if depth == 0 {
			return nil
		}
	}
	return p.errf("unterminated block")
}

func (p *parser) seek(r rune) bool {
	for !p.eof() {
		if p.src[p.pos] == '\n' {
			p.line++
		}
		if p.src[p.pos] == r {
			p.pos++
			return true
		}
		p.pos++
	}
	return false
}

func (p *parser) ident() string {
	var b strings.Builder
	for !p.eof() {
		r := p.src[p.pos]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			break
		}
		b.WriteRune(r)
		p.pos++
	}
	return b.String()
}

func (p *parser) until(stop ...rune) string {
	var b strings.Builder
	for !p.eof() {
		r := p.src[p.pos]
		for _, s := range stop {
			if r == s {
				return b.String()
			}
		}
		if r == '\n' {
			p.line++
		}
		b.WriteRune(r)
		p.pos++
	}
	return b.String()
}

func (p *parser) consume(r rune) bool {
	if p.eof() || p.src[p.pos] != r {
		return false
	}
	p.pos++
	return true
}

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		if p.src[p.pos] == '\n' {
			p.line++
		}
		p.pos++
	}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) errf(format string, args ...any) error {
	return eris.Errorf("bib: line %d: %s", p.line+1, fmt.Sprintf(format, args...))
}

func setField(e *model.Entry, name, value string) {
	switch name {
	case fieldTitle:
		e.Title = value
	case fieldAuthor, "authors":
		e.Authors = value
	case fieldYear:
		e.Year = value
	case fieldDOI:
		e.DOI = NormalizeDOI(value)
	case fieldAbstract:
		e.Abstract = value
	default:
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[name] = value
	}
}

// collapse folds runs of whitespace into single spaces; BibTeX values often
// wrap across lines.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeDOI strips resolver prefixes and lowercases, so DOIs from
// different export tools compare equal.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi.org/")
	doi = strings.TrimPrefix(doi, "DOI:")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.ToLower(doi)
}

// Format renders one entry as a BibTeX record. Explicit attributes come
// first in a fixed order, extra fields follow alphabetically.
func Format(e model.Entry) string {
	entryType := e.Type
	if entryType == "" {
		entryType = "article"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@%s{%s,\n", entryType, e.ID)
	writeField(&b, fieldAuthor, e.Authors)
	writeField(&b, fieldTitle, e.Title)
	writeField(&b, fieldYear, e.Year)
	writeField(&b, fieldDOI, e.DOI)
	writeField(&b, fieldAbstract, e.Abstract)

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(&b, name, e.Fields[name])
	}

	b.WriteString("}\n")
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s = {%s},\n", name, value)
}

// Write serializes entries as a BibTeX document, blank line between records.
func Write(w io.Writer, entries []model.Entry) error {
	for i, e := range entries {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return eris.Wrap(err, "bib: write")
			}
		}
		if _, err := io.WriteString(w, Format(e)); err != nil {
			return eris.Wrap(err, "bib: write")
		}
	}
	return nil
}
