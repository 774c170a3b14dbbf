package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func complete(id string, year int) Paper {
	title := "Title " + id
	abstract := "Abstract"
	refs, cites := 3, 7
	return Paper{
		PaperID:        id,
		Title:          &title,
		Year:           &year,
		Abstract:       &abstract,
		ReferenceCount: &refs,
		CitationCount:  &cites,
		FieldsOfStudy:  []string{"Computer Science"},
	}
}

func TestFilterYearBoundary(t *testing.T) {
	t.Parallel()

	f := DefaultFilter()
	assert.False(t, f.Accept(complete("old", 1999)))
	assert.True(t, f.Accept(complete("edge", 2000)))
	assert.True(t, f.Accept(complete("new", 2023)))
}

func TestFilterRejectsAnyNullField(t *testing.T) {
	t.Parallel()

	f := DefaultFilter()
	cases := map[string]func(p *Paper){
		"paperId":        func(p *Paper) { p.PaperID = "" },
		"title":          func(p *Paper) { p.Title = nil },
		"year":           func(p *Paper) { p.Year = nil },
		"abstract":       func(p *Paper) { p.Abstract = nil },
		"referenceCount": func(p *Paper) { p.ReferenceCount = nil },
		"citationCount":  func(p *Paper) { p.CitationCount = nil },
		"fieldsOfStudy":  func(p *Paper) { p.FieldsOfStudy = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := complete("x", 2010)
			mutate(&p)
			assert.False(t, f.Accept(p))
		})
	}
}

func TestFilterOnlyChecksConfiguredFields(t *testing.T) {
	t.Parallel()

	f := Filter{RequiredFields: []string{FieldPaperID, FieldYear}, MinYear: 2000}
	p := complete("x", 2001)
	p.Abstract = nil
	p.FieldsOfStudy = nil
	assert.True(t, f.Accept(p))

	p.Year = nil
	assert.False(t, f.Accept(p))
}

func TestFilterAlwaysRequiresID(t *testing.T) {
	t.Parallel()

	f := Filter{RequiredFields: []string{FieldYear}, MinYear: 2000}
	assert.True(t, f.Accept(complete("x", 2001)))
	assert.False(t, f.Accept(complete("", 2001)))
	assert.False(t, Filter{}.Accept(complete("", 2001)))
}

func TestPaperJSONKeepsNulls(t *testing.T) {
	t.Parallel()

	var p Paper
	require.NoError(t, json.Unmarshal([]byte(`{"paperId":"A","title":null,"year":2005,"references":null}`), &p))
	assert.Equal(t, "A", p.PaperID)
	assert.Nil(t, p.Title)
	require.NotNil(t, p.Year)
	assert.Equal(t, 2005, *p.Year)
	assert.False(t, p.Expanded())

	require.NoError(t, json.Unmarshal([]byte(`{"paperId":"A","references":[]}`), &p))
	assert.True(t, p.Expanded())

	out, err := json.Marshal(Paper{PaperID: "B"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"paperId":"B","title":null,"year":null,"abstract":null,
		"referenceCount":null,"citationCount":null,"fieldsOfStudy":null,"references":null}`, string(out))
}

func TestCloneDetachesSlices(t *testing.T) {
	t.Parallel()

	p := complete("A", 2005)
	p.References = []Ref{{PaperID: "B"}}
	c := p.Clone()
	c.References[0].PaperID = "Z"
	c.FieldsOfStudy[0] = "Biology"
	assert.Equal(t, "B", p.References[0].PaperID)
	assert.Equal(t, "Computer Science", p.FieldsOfStudy[0])
}

func TestRefsOfSkipsMissingIDs(t *testing.T) {
	t.Parallel()

	refs := RefsOf([]Paper{{PaperID: "B"}, {}, {PaperID: "C"}})
	assert.Equal(t, []Ref{{PaperID: "B"}, {PaperID: "C"}}, refs)
}

type permanentErr struct{ permanent bool }

func (e permanentErr) Error() string   { return "status" }
func (e permanentErr) Permanent() bool { return e.permanent }

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	assert.False(t, IsPermanent(errors.New("boom")))
	assert.True(t, IsPermanent(permanentErr{permanent: true}))
	assert.False(t, IsPermanent(permanentErr{permanent: false}))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", permanentErr{permanent: true})))
}
