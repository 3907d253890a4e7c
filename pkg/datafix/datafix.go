// Package datafix provides versioned record migration.
//
// A Migrator converts a record from one data version to another. Schema is a
// Migrator built from version-keyed steps; each step moves records of one
// category across a single version boundary.
package datafix

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/eunmann/worldup/pkg/tag"
)

// Category identifies the record type a step applies to.
type Category string

const (
	// CategoryEntityChunk covers records in entities/ region files.
	CategoryEntityChunk Category = "entity_chunk"
	// CategoryPoiChunk covers records in poi/ region files.
	CategoryPoiChunk Category = "poi_chunk"
	// CategoryChunk covers block chunk records in region/ files.
	CategoryChunk Category = "chunk"
)

// Migrator upgrades records between data versions. Implementations must be
// deterministic, must not mutate rec, and must return rec unchanged when
// from >= to.
type Migrator interface {
	Upgrade(category Category, rec tag.Compound, from int, context tag.Compound, to int) (tag.Compound, error)
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(category Category, rec tag.Compound, from int, context tag.Compound, to int) (tag.Compound, error)

// Upgrade calls fn.
func (fn MigratorFunc) Upgrade(category Category, rec tag.Compound, from int, context tag.Compound, to int) (tag.Compound, error) {
	return fn(category, rec, from, context, to)
}

// Step moves records of one category to Version. Apply receives a private
// copy of the record and may mutate it.
type Step struct {
	Version  int
	Category Category
	Name     string
	Apply    func(rec tag.Compound, context tag.Compound) (tag.Compound, error)
}

// Schema is a Migrator composed of ordered steps.
type Schema struct {
	latest int
	steps  []Step
}

// NewSchema creates a schema whose latest version is latest. Steps above
// latest are rejected.
func NewSchema(latest int, steps ...Step) (*Schema, error) {
	sorted := slices.Clone(steps)
	slices.SortStableFunc(sorted, func(a, b Step) int {
		return cmp.Compare(a.Version, b.Version)
	})
	for _, s := range sorted {
		if s.Version > latest {
			return nil, fmt.Errorf("step %q at version %d is above latest version %d", s.Name, s.Version, latest)
		}
		if s.Apply == nil {
			return nil, fmt.Errorf("step %q has no Apply func", s.Name)
		}
	}
	return &Schema{latest: latest, steps: sorted}, nil
}

// Latest returns the newest data version the schema knows.
func (s *Schema) Latest() int {
	return s.latest
}

// Steps returns the steps that move a record of category from -> to.
func (s *Schema) Steps(category Category, from, to int) []Step {
	var out []Step
	for _, st := range s.steps {
		if st.Category == category && st.Version > from && st.Version <= to {
			out = append(out, st)
		}
	}
	return out
}

// Upgrade applies every step of category with from < Version <= to.
func (s *Schema) Upgrade(category Category, rec tag.Compound, from int, context tag.Compound, to int) (tag.Compound, error) {
	steps := s.Steps(category, from, to)
	if len(steps) == 0 {
		return rec, nil
	}

	out := rec.Clone()
	for _, st := range steps {
		next, err := st.Apply(out, context)
		if err != nil {
			return nil, fmt.Errorf("step %q (version %d): %w", st.Name, st.Version, err)
		}
		if next == nil {
			return nil, fmt.Errorf("step %q (version %d) returned no record", st.Name, st.Version)
		}
		out = next
	}
	return out, nil
}
