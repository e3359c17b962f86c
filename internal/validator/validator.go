// Package validator checks the Category Contiguity Invariant: for every
// category present in the feature set, the ids with that category form a
// contiguous range with no gaps and no interleaving from other categories.
// It runs once at startup and fails fast — there is no auto-repair.
package validator

import (
	"fmt"

	"featurectl/internal/store"
)

// ContiguityError describes a Category Contiguity violation, naming both
// the reopened category and the offending id (spec.md §4.2/B3).
type ContiguityError struct {
	Category string
	ID       int64
}

func (e *ContiguityError) Error() string {
	return fmt.Sprintf("category contiguity violated: category %q reopened at feature id %d", e.Category, e.ID)
}

// Run loads every feature from the store and checks contiguity. Intended
// to be called once at startup, before Recovery or the outer loop.
func Run(s *store.Store) error {
	features, err := s.AllFeatures()
	if err != nil {
		return fmt.Errorf("validator: load features: %w", err)
	}
	return CheckContiguity(features)
}

// CheckContiguity walks features ordered by id, maintaining the current
// open category. A category is closed the moment a different category is
// encountered; if a closed category reappears later, the invariant is
// violated. An empty feature set is valid.
func CheckContiguity(features []*store.Feature) error {
	var current string
	closed := make(map[string]bool)

	for _, f := range features {
		if f.Category == current {
			continue
		}
		if closed[f.Category] {
			return &ContiguityError{Category: f.Category, ID: f.ID}
		}
		if current != "" {
			closed[current] = true
		}
		current = f.Category
	}
	return nil
}
