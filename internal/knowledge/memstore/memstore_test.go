package memstore

import (
	"context"
	"math"
	"testing"

	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
)

func TestCosineDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero", []float32{0, 0}, []float32{1, 0}, 1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 1},
		{"empty", nil, nil, 1},
	}
	for _, tt := range tests {
		if got := cosineDistance(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: cosineDistance = %f, want %f", tt.name, got, tt.want)
		}
	}
}

func TestQuery_OrderAndFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	recs := []knowledge.Record{
		{ID: "b", Vector: []float32{1, 0}, Metadata: knowledge.Metadata{Severity: incident.Sev1}},
		{ID: "a", Vector: []float32{1, 0}, Metadata: knowledge.Metadata{Severity: incident.Sev1}},
		{ID: "c", Vector: []float32{0, 1}, Metadata: knowledge.Metadata{Severity: incident.Sev2}},
	}
	for _, r := range recs {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Query(ctx, []float32{1, 0}, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Record.ID != "a" || got[1].Record.ID != "b" || got[2].Record.ID != "c" {
		t.Errorf("order = %v", ids(got))
	}

	got, _ = s.Query(ctx, []float32{1, 0}, 10, incident.Sev2)
	if len(got) != 1 || got[0].Record.ID != "c" {
		t.Errorf("filtered = %v", ids(got))
	}

	got, _ = s.Query(ctx, []float32{1, 0}, 1, "")
	if len(got) != 1 {
		t.Errorf("limited len = %d", len(got))
	}
}

func TestUpsert_CopiesVector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	vec := []float32{1, 0}
	if err := s.Upsert(ctx, knowledge.Record{ID: "a", Vector: vec}); err != nil {
		t.Fatal(err)
	}
	vec[0] = 0
	got, _ := s.Query(ctx, []float32{1, 0}, 1, "")
	if got[0].Distance != 0 {
		t.Error("caller mutation leaked into the store")
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d", n)
	}
}

func ids(ms []knowledge.Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Record.ID
	}
	return out
}
