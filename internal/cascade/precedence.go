package cascade

import (
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
)

// Precedence is the order in which a cascade consults scopes.
type Precedence []ir.Scope

// Default precedences per caller.
var (
	// SysPrecedence prefers settled data: a prerequisite that is already
	// integrated is the strongest evidence.
	SysPrecedence = Precedence{ir.ScopeIntegrated, ir.ScopeAuthored, ir.ScopePending, ir.ScopeCache}

	// AppPrecedence prefers the local chain so that validation packages
	// for our own ops build without waiting on integration.
	AppPrecedence = Precedence{ir.ScopeAuthored, ir.ScopeIntegrated, ir.ScopePending, ir.ScopeCache}

	// QueryPrecedence never answers from Pending or Rejected.
	QueryPrecedence = Precedence{ir.ScopeIntegrated, ir.ScopeAuthored, ir.ScopeCache}
)

// Validate rejects empty lists, unknown scopes and repeats.
func (p Precedence) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("precedence: no scopes")
	}
	seen := make(map[ir.Scope]bool, len(p))
	for _, s := range p {
		if _, err := ir.ParseScope(string(s)); err != nil {
			return fmt.Errorf("precedence: %w", err)
		}
		if seen[s] {
			return fmt.Errorf("precedence: scope %q listed twice", s)
		}
		seen[s] = true
	}
	return nil
}

// ParsePrecedence parses scope names, as read from configuration.
func ParsePrecedence(names []string) (Precedence, error) {
	p := make(Precedence, 0, len(names))
	for _, n := range names {
		s, err := ir.ParseScope(n)
		if err != nil {
			return nil, fmt.Errorf("precedence: %w", err)
		}
		p = append(p, s)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Strings returns the scope names, for configuration output.
func (p Precedence) Strings() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = string(s)
	}
	return out
}
