// Package filterexpr resolves the binding filter grammar left open by
// spec.md §9: a small key-value label equality grammar evaluated with
// hashicorp/go-bexpr, the same expression evaluator used upstream (Consul,
// Nomad) for declarative selector filtering over a label map.
//
// A filter is a bexpr expression string evaluated against a label datum,
// e.g.:
//
//	Labels["topic"] == "pipe"
//	Labels["topic"] == "pipe" and Labels["lang"] == "en"
//
// An empty filter string matches every content item.
package filterexpr

import (
	"fmt"

	"github.com/hashicorp/go-bexpr"
)

// datum is the shape bexpr evaluates filter expressions against. It embeds
// a plain label map so expressions address `Labels["key"]`.
type datum struct {
	Labels map[string]string
}

// Matches reports whether labels satisfies the filter expression. An empty
// filter always matches.
func Matches(filter string, labels map[string]string) (bool, error) {
	if filter == "" {
		return true, nil
	}
	evaluator, err := bexpr.CreateEvaluator(filter)
	if err != nil {
		return false, fmt.Errorf("filterexpr: invalid filter %q: %w", filter, err)
	}
	ok, err := evaluator.Evaluate(datum{Labels: labels})
	if err != nil {
		return false, fmt.Errorf("filterexpr: evaluate %q: %w", filter, err)
	}
	return ok, nil
}

// Validate reports whether filter parses as a well-formed expression,
// without evaluating it against any data. Useful when validating a binding
// at creation time before it is committed.
func Validate(filter string) error {
	if filter == "" {
		return nil
	}
	_, err := bexpr.CreateEvaluator(filter)
	if err != nil {
		return fmt.Errorf("filterexpr: invalid filter %q: %w", filter, err)
	}
	return nil
}
