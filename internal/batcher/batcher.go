// Package batcher selects the next ordered sequence of features for a
// single session: up to BatchSize pending features from the numerically
// lowest category still containing pending work, ascending by id.
package batcher

import (
	"fmt"

	"featurectl/internal/store"
)

// DefaultBatchSize is BATCH_SIZE from spec.md §4.4: small enough to keep a
// single agent invocation within a useful context window, large enough to
// amortize per-session setup across related work.
const DefaultBatchSize = 3

// Batcher produces Batches from a Store. It never mutates state.
type Batcher struct {
	store     *store.Store
	batchSize int
}

// New returns a Batcher with the given size cap. A non-positive size falls
// back to DefaultBatchSize.
func New(s *store.Store, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{store: s, batchSize: batchSize}
}

// Next returns the next Batch. An empty result means no pending work
// remains in any category (spec.md §4.4).
func (b *Batcher) Next() ([]*store.Feature, error) {
	batch, err := b.store.NextBatch(b.batchSize)
	if err != nil {
		return nil, fmt.Errorf("batcher: %w", err)
	}
	return batch, nil
}
