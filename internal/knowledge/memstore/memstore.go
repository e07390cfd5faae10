// Package memstore is an in-process knowledge.VectorStore using exact
// cosine distance. It backs tests and single-node deployments without Weaviate.
package memstore

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
)

// Store keeps records in a map keyed by ID.
type Store struct {
	mu      sync.RWMutex
	records map[string]knowledge.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]knowledge.Record)}
}

// Upsert stores a copy of rec, replacing any record with the same ID.
func (s *Store) Upsert(_ context.Context, rec knowledge.Record) error {
	rec.Vector = slices.Clone(rec.Vector)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Query scans every record. Ties are broken by ID so results are stable.
func (s *Store) Query(_ context.Context, vector []float32, limit int, severity incident.Severity) ([]knowledge.Match, error) {
	s.mu.RLock()
	matches := make([]knowledge.Match, 0, len(s.records))
	for _, rec := range s.records {
		if severity != "" && rec.Metadata.Severity != severity {
			continue
		}
		matches = append(matches, knowledge.Match{Record: rec, Distance: cosineDistance(vector, rec.Vector)})
	}
	s.mu.RUnlock()

	slices.SortFunc(matches, func(a, b knowledge.Match) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.ID, b.Record.ID)
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of stored records.
func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// cosineDistance is 1 - cos(a, b). Mismatched lengths or a zero vector give 1.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
