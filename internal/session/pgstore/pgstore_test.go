package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/linnemanlabs/aftermath/internal/postgres"
	"github.com/linnemanlabs/aftermath/internal/session/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("AFTERMATH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AFTERMATH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, postgres.Config{URL: dsn, ConnectAttempts: 1}, nil, postgres.Hooks{})
	if err != nil {
		t.Fatalf("postgres.Connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "test-put-get-001", []byte(`{"version":1,"incident":{"id":"test-put-get-001"}}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "test-put-get-001", []byte(`{"version":1,"incident":{"id":"test-put-get-001","title":"x"}}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	doc, ok, err := s.Get(ctx, "test-put-get-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if len(doc) == 0 {
		t.Error("empty document")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing id")
	}
}
