// Package reconcile removes duplicate layer-3 rules from an ordered rule set.
//
// Two passes run over the user rules. The first drops exact copies and keeps
// the first occurrence. The second ignores comments and, by default, keeps
// the last occurrence of each semantic key. The terminal rule never takes
// part in either pass.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
)

var ErrEmptyRuleSet = errors.New("rule set has no user rules")

// MalformedRuleError identifies the first rule that cannot be compared.
type MalformedRuleError struct {
	Index int
	Field string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed rule at index %d: field %q missing or invalid", e.Index, e.Field)
}

type TieBreak string

const (
	// TieBreakLast keeps the last rule of each semantic-key class.
	TieBreakLast TieBreak = "last"
	// TieBreakFirst keeps the first rule of each semantic-key class.
	TieBreakFirst TieBreak = "first"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakLast:
		return TieBreakLast, nil
	case TieBreakFirst:
		return TieBreakFirst, nil
	}
	return "", fmt.Errorf("unknown tie-break %q, expected first or last", s)
}

type options struct {
	tieBreak TieBreak
}

type Option func(*options)

func WithSemanticTieBreak(t TieBreak) Option {
	return func(o *options) {
		o.tieBreak = t
	}
}

type Result struct {
	Cleaned         []models.Rule
	Removed         int
	ExactRemoved    int
	SemanticRemoved int
	Changed         bool
	// Duplicates lists input indices dropped by the exact pass.
	Duplicates []int
}

// Reconcile returns the deduplicated user rules of set. The input is not modified.
func Reconcile(set models.RuleSet, opts ...Option) (Result, error) {
	o := options{tieBreak: TieBreakLast}
	for _, opt := range opts {
		opt(&o)
	}

	if len(set.Rules) == 0 {
		return Result{}, ErrEmptyRuleSet
	}
	for i, r := range set.Rules {
		if f := r.MissingField(); f != "" {
			return Result{}, &MalformedRuleError{Index: i, Field: f}
		}
		if !r.Policy.Valid() {
			return Result{}, &MalformedRuleError{Index: i, Field: "policy"}
		}
	}

	unique, dups := exactPass(set.Rules)
	cleaned := semanticPass(unique, o.tieBreak)

	return Result{
		Cleaned:         cleaned,
		Removed:         len(set.Rules) - len(cleaned),
		ExactRemoved:    len(set.Rules) - len(unique),
		SemanticRemoved: len(unique) - len(cleaned),
		Changed:         !sameRules(set.Rules, cleaned),
		Duplicates:      dups,
	}, nil
}

func exactPass(rules []models.Rule) ([]models.Rule, []int) {
	kept := make([]models.Rule, 0, len(rules))
	var dups []int
	for i, r := range rules {
		dup := false
		for _, k := range kept {
			if k.Equal(r) {
				dup = true
				break
			}
		}
		if dup {
			dups = append(dups, i)
			continue
		}
		kept = append(kept, r)
	}
	return kept, dups
}

func semanticPass(rules []models.Rule, tb TieBreak) []models.Rule {
	winner := make(map[models.SemanticKey]int, len(rules))
	for i, r := range rules {
		if _, seen := winner[r.Key()]; seen && tb == TieBreakFirst {
			continue
		}
		winner[r.Key()] = i
	}

	out := make([]models.Rule, 0, len(winner))
	for i, r := range rules {
		if winner[r.Key()] == i {
			out = append(out, r)
		}
	}
	return out
}

func sameRules(a, b []models.Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
