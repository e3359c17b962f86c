// Package ingest loads a feature manifest from YAML into the Store. It is
// the "external, out-of-core loader" spec.md §4.1 names: categories are
// not required to be contiguous at manifest-authoring time, only by the
// time the Validator runs at loop startup.
package ingest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"featurectl/internal/store"
)

// Manifest is the on-disk YAML shape: a flat sequence of feature
// declarations, one document describing the whole initial queue.
type Manifest struct {
	Features []FeatureSpec `yaml:"features"`
}

// FeatureSpec is one feature entry in the manifest, matching the
// attributes of spec.md §3's Feature type minus status (always pending
// on ingest) and timestamps (assigned by the Store).
type FeatureSpec struct {
	ID                int64    `yaml:"id"`
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Category          string   `yaml:"category"`
	VerificationSteps []string `yaml:"verification_steps"`
}

// LoadFile reads and parses a manifest file without touching the Store.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ingest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Run loads the manifest at path and inserts every feature into the
// Store. It does not check category contiguity — that is the
// Validator's job, run once at loop startup after all ingest has
// happened (spec.md §4.1: "validation... is performed by the Validator
// before the loop starts, not here").
func Run(s *store.Store, path string) (int, error) {
	m, err := LoadFile(path)
	if err != nil {
		return 0, err
	}

	for _, f := range m.Features {
		if f.Name == "" {
			return 0, fmt.Errorf("ingest: feature %d: name is required", f.ID)
		}
		if f.Category == "" {
			return 0, fmt.Errorf("ingest: feature %d: category is required", f.ID)
		}
		if err := s.IngestFeature(f.ID, f.Name, f.Description, f.Category, f.VerificationSteps); err != nil {
			return 0, fmt.Errorf("ingest: feature %d: %w", f.ID, err)
		}
	}

	return len(m.Features), nil
}
