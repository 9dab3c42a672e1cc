package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/holdfast/internal/ir"
)

// OrderBy is appended to every compiled query.
const OrderBy = "ORDER BY author ASC COLLATE BINARY, header_seq ASC, header_hash ASC COLLATE BINARY"

// Columns selected by Compile, in scan order.
const Columns = "header_hash, signed, entry_hash"

// Compile converts a predicate into a parameterized SELECT over the
// elements table restricted to one scope.
func Compile(scope ir.Scope, p Predicate) (string, []any, error) {
	if errs := Validate(p); len(errs) > 0 {
		return "", nil, fmt.Errorf("invalid query: %w", errors.Join(errs...))
	}
	where, params, err := compilePredicate(p)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM elements WHERE scope = ? AND %s %s", Columns, where, OrderBy)
	return sql, append([]any{string(scope)}, params...), nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case HeaderTypeIs:
		return "header_type = ?", []any{string(pred.Type)}, nil
	case EntryTypeIs:
		if pred.ID == "" {
			return "entry_zome = ?", []any{pred.Zome}, nil
		}
		return "(entry_zome = ? AND entry_id = ?)", []any{pred.Zome, pred.ID}, nil
	case AuthorIs:
		return "author = ?", []any{string(pred.Author)}, nil
	case SeqRange:
		if pred.To < 0 {
			return "header_seq >= ?", []any{pred.From}, nil
		}
		return "header_seq BETWEEN ? AND ?", []any{pred.From, pred.To}, nil
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, sub := range pred.Predicates {
			sql, subParams, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, subParams...)
		}
		return "(" + strings.Join(parts, " AND ") + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}
