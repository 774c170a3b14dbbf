package paper

// DefaultMinYear is the oldest publication year admitted by default.
const DefaultMinYear = 2000

// Filter decides whether a cited paper is admitted into the store.
type Filter struct {
	// RequiredFields must all be non-null. Unknown names are ignored.
	RequiredFields []string
	MinYear        int
}

// DefaultFilter requires every projected field and a year of DefaultMinYear or later.
func DefaultFilter() Filter {
	return Filter{
		RequiredFields: append([]string(nil), DefaultFields...),
		MinYear:        DefaultMinYear,
	}
}

// Accept reports whether p passes the filter. A paper without an id never
// passes, and a missing year always fails the year check, even when neither
// field is listed as required.
func (f Filter) Accept(p Paper) bool {
	if p.PaperID == "" {
		return false
	}
	for _, field := range f.RequiredFields {
		if !p.has(field) {
			return false
		}
	}
	if p.Year == nil {
		return false
	}
	return *p.Year >= f.MinYear
}

func (p Paper) has(field string) bool {
	switch field {
	case FieldPaperID:
		return p.PaperID != ""
	case FieldTitle:
		return p.Title != nil
	case FieldYear:
		return p.Year != nil
	case FieldAbstract:
		return p.Abstract != nil
	case FieldReferenceCount:
		return p.ReferenceCount != nil
	case FieldCitationCount:
		return p.CitationCount != nil
	case FieldFieldsOfStudy:
		return p.FieldsOfStudy != nil
	default:
		return true
	}
}
