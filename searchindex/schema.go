// Package searchindex tracks each search index through its
// Backfilling, Backfilled and Ready lifecycle, layering an in-memory
// delta over the last persisted disk snapshot and answering queries
// from the union of the two.
package searchindex

import (
	"strings"
	"unicode"

	"github.com/INLOpen/nexussearch/core"
)

// Schema describes how one index tokenizes documents: a single search
// field whose text is split into tokens, plus exact-match filter fields.
type Schema struct {
	Table        core.TableID
	Name         core.IndexName
	searchField  string
	filterFields []string
}

func NewSchema(table core.TableID, name core.IndexName, searchField string, filterFields []string) *Schema {
	return &Schema{
		Table:        table,
		Name:         name,
		searchField:  searchField,
		filterFields: filterFields,
	}
}

func (s *Schema) SearchField() string { return s.searchField }

func (s *Schema) FilterFields() []string { return s.filterFields }

// Tokenize converts a document into index terms: tokenized search-field
// text plus one exact term per present filter field.
func (s *Schema) Tokenize(doc *core.Document) []core.DocumentTerm {
	var terms []core.DocumentTerm
	if text, ok := doc.Fields[s.searchField]; ok {
		for pos, token := range tokenize(text) {
			terms = append(terms, core.DocumentTerm{
				Field:    s.searchField,
				Text:     token,
				Position: uint32(pos),
			})
		}
	}
	for _, field := range s.filterFields {
		if value, ok := doc.Fields[field]; ok {
			terms = append(terms, core.DocumentTerm{Field: field, Text: value})
		}
	}
	return terms
}

// tokenize lowercases text and splits on any non-alphanumeric rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Query is one search request against an index. Text queries fill
// SearchText; vector queries fill Vector. Filters restrict matches to
// documents whose filter fields hold the given exact values.
type Query struct {
	SearchText string
	Vector     []float32
	Filters    map[string]string
	Limit      int
}

// CompiledQuery is a query resolved against a schema.
type CompiledQuery struct {
	Tokens      []string
	Vector      []float32
	FilterTerms []core.DocumentTerm
	Limit       int
}

// IsEmpty reports whether the query can match nothing and may be
// short-circuited without touching any segment.
func (q CompiledQuery) IsEmpty() bool {
	return len(q.Tokens) == 0 && len(q.Vector) == 0
}

// ReadSet records what a query depended on, for downstream conflict
// detection: the index, the tokens consulted and the timestamp bounds.
type ReadSet struct {
	Index  core.IndexName
	Tokens []string
	DiskTs core.Timestamp
	ReadTs core.Timestamp
}

// Compile resolves q against the schema. Unknown filter fields are
// dropped; tokens are deduplicated, preserving first occurrence order.
func (s *Schema) Compile(q Query) CompiledQuery {
	seen := make(map[string]struct{})
	var tokens []string
	for _, token := range tokenize(q.SearchText) {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}

	var filters []core.DocumentTerm
	for _, field := range s.filterFields {
		if value, ok := q.Filters[field]; ok {
			filters = append(filters, core.DocumentTerm{Field: field, Text: value})
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return CompiledQuery{
		Tokens:      tokens,
		Vector:      q.Vector,
		FilterTerms: filters,
		Limit:       limit,
	}
}

// DefaultQueryLimit bounds result counts when the caller does not.
const DefaultQueryLimit = 1024
