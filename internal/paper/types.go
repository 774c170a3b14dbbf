// Package paper defines the citation-graph records shared by the crawler
// components along with the collaborator interfaces they depend on.
package paper

import "time"

// Field names understood by the paper source. They double as the JSON keys of
// a persisted Paper.
const (
	FieldPaperID        = "paperId"
	FieldTitle          = "title"
	FieldYear           = "year"
	FieldAbstract       = "abstract"
	FieldReferenceCount = "referenceCount"
	FieldCitationCount  = "citationCount"
	FieldFieldsOfStudy  = "fieldsOfStudy"
)

// DefaultFields is the projection requested for every cited paper.
var DefaultFields = []string{
	FieldPaperID,
	FieldTitle,
	FieldYear,
	FieldAbstract,
	FieldReferenceCount,
	FieldCitationCount,
	FieldFieldsOfStudy,
}

// Paper is a single record in the citation database. Nullable attributes are
// pointers so a JSON null round-trips and the filter can tell absent from zero.
//
// References stays nil until the paper has been expanded; after that it holds
// the ids of every cited paper, in source order, whether or not they were
// admitted into the store.
type Paper struct {
	PaperID        string   `json:"paperId"`
	Title          *string  `json:"title"`
	Year           *int     `json:"year"`
	Abstract       *string  `json:"abstract"`
	ReferenceCount *int     `json:"referenceCount"`
	CitationCount  *int     `json:"citationCount"`
	FieldsOfStudy  []string `json:"fieldsOfStudy"`
	References     []Ref    `json:"references"`
}

// Ref is one outgoing citation edge.
type Ref struct {
	PaperID string `json:"paperId"`
}

// Expanded reports whether the paper's references have been recorded.
func (p Paper) Expanded() bool {
	return p.References != nil
}

// Clone returns a copy that shares no slices with p. Pointer fields are
// shared; they are never written after construction.
func (p Paper) Clone() Paper {
	out := p
	if p.FieldsOfStudy != nil {
		out.FieldsOfStudy = append(make([]string, 0, len(p.FieldsOfStudy)), p.FieldsOfStudy...)
	}
	if p.References != nil {
		out.References = append(make([]Ref, 0, len(p.References)), p.References...)
	}
	return out
}

// RefsOf converts cited papers into reference edges. Entries without an id
// cannot be addressed later and are skipped.
func RefsOf(cited []Paper) []Ref {
	refs := make([]Ref, 0, len(cited))
	for _, c := range cited {
		if c.PaperID == "" {
			continue
		}
		refs = append(refs, Ref{PaperID: c.PaperID})
	}
	return refs
}

// DeadLetter records an id whose expansion was abandoned.
type DeadLetter struct {
	PaperID  string    `json:"paperId"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}
