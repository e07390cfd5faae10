// Package badgerstore provides a Badger-backed session.Backend. It is the
// default durable tier: one key per incident under a fixed prefix.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/session/badgerstore")

var keyPrefix = []byte("incident/")

// Options configures the Badger database.
type Options struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Store is a session.Backend over Badger.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badgerstore: dir is required")
		}
		bo = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	bo = bo.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put replaces the document for id in a single transaction.
func (s *Store) Put(ctx context.Context, id string, doc []byte) error {
	_, span := startSpan(ctx, "badgerstore.Put", "SET")
	defer span.End()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), doc)
	})
	if err != nil {
		recordErr(span, err)
		return fmt.Errorf("badger set %s: %w", id, err)
	}
	return nil
}

// Get returns a copy of the document for id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	_, span := startSpan(ctx, "badgerstore.Get", "GET")
	defer span.End()

	var doc []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		recordErr(span, err)
		return nil, false, fmt.Errorf("badger get %s: %w", id, err)
	}
	return doc, true, nil
}

// List returns every incident document.
func (s *Store) List(ctx context.Context) ([][]byte, error) {
	_, span := startSpan(ctx, "badgerstore.List", "SCAN")
	defer span.End()

	var docs [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			doc, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("badger scan: %w", err)
	}
	return docs, nil
}

func key(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "badger"),
		attribute.String("db.operation.name", op),
	))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
