package knowledge

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewHashEmbedder(64)

	a, err := e.Embed(ctx, "Database connection pool exhausted")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("len = %d, want 64", len(a))
	}

	b, _ := e.Embed(ctx, "database CONNECTION pool, exhausted!")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("case and punctuation changed the embedding")
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm^2 = %f, want 1", norm)
	}

	zero, _ := e.Embed(ctx, "   ...   ")
	for _, v := range zero {
		if v != 0 {
			t.Fatal("punctuation-only text should embed to zero")
		}
	}
}

func TestNewHashEmbedder_DefaultDimension(t *testing.T) {
	t.Parallel()

	if got := NewHashEmbedder(0).Dim; got != DefaultDimension {
		t.Errorf("Dim = %d, want %d", got, DefaultDimension)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
