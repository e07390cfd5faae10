// Package pgstore provides a PostgreSQL session.Backend. Each incident is one
// JSONB document row, replaced with an upsert inside a transaction.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/session/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident documents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Put inserts or replaces the document for id.
func (s *Store) Put(ctx context.Context, id string, doc []byte) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		recordErr(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO incidents (id, document) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			document   = EXCLUDED.document,
			updated_at = now()`,
		id, doc,
	)
	if err != nil {
		recordErr(span, err)
		return fmt.Errorf("upsert incident %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		recordErr(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the document for id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM incidents WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		recordErr(span, err)
		return nil, false, fmt.Errorf("select incident %s: %w", id, err)
	}
	return doc, true, nil
}

// List returns every incident document ordered by ID.
func (s *Store) List(ctx context.Context) ([][]byte, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT document FROM incidents ORDER BY id`)
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			recordErr(span, err)
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return docs, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
