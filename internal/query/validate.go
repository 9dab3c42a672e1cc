package query

import "fmt"

// Validate checks a predicate tree for values that can never match.
// It returns every problem found, not only the first.
func Validate(p Predicate) []error {
	v := &validator{}
	v.visit(p)
	return v.errs
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) visit(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case HeaderTypeIs:
		if !pred.Type.Valid() {
			v.addf("unknown header type %q", pred.Type)
		}
	case EntryTypeIs:
		if pred.Zome == "" {
			v.addf("entry type predicate needs a zome")
		}
	case AuthorIs:
		if pred.Author == "" {
			v.addf("author predicate needs an author")
		}
	case SeqRange:
		if pred.From < 0 {
			v.addf("seq range start %d is negative", pred.From)
		}
		if pred.To >= 0 && pred.To < pred.From {
			v.addf("seq range [%d, %d] is empty", pred.From, pred.To)
		}
	case And:
		for _, sub := range pred.Predicates {
			v.visit(sub)
		}
	default:
		v.addf("unsupported predicate type %T", p)
	}
}
