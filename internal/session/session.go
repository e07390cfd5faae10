// Package session persists canonical incident records. Reads are served from
// an in-memory cache of open incidents first and fall back to a durable Backend.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/session")

// recordVersion is bumped whenever the persisted layout changes incompatibly.
const recordVersion = 1

// Backend is the durable tier. Put must replace any prior document for id
// atomically: a concurrent Get sees either the old or the new document.
type Backend interface {
	Put(ctx context.Context, id string, doc []byte) error
	Get(ctx context.Context, id string) ([]byte, bool, error)
	List(ctx context.Context) ([][]byte, error)
}

type record struct {
	Version  int                `json:"version"`
	Kind     string             `json:"kind"`
	Incident *incident.Incident `json:"incident"`
}

// Store implements incident.Store over a Backend.
type Store struct {
	backend Backend
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*incident.Incident // open incidents by ID

	updates keyLocks
}

// New creates a Store over backend.
func New(backend Backend) *Store {
	if backend == nil {
		panic(xerrors.New("session backend is required"))
	}
	return &Store{
		backend: backend,
		now:     time.Now,
		cache:   make(map[string]*incident.Incident),
		updates: keyLocks{locks: make(map[string]*keyLock)},
	}
}

// Save writes the full incident and refreshes the cache.
func (s *Store) Save(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "session.Save", inc.ID)
	defer span.End()

	if err := s.write(ctx, inc); err != nil {
		recordErr(span, err)
		return err
	}
	s.remember(inc)
	return nil
}

// Load returns the incident for id, or ok=false if it was never saved.
func (s *Store) Load(ctx context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	cached, hit := s.cache[id]
	s.mu.RUnlock()
	if hit {
		return cached.Clone(), true, nil
	}

	ctx, span := startSpan(ctx, "session.Load", id)
	defer span.End()

	doc, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: get %s: %w", incident.ErrPersistence, id, err)
		recordErr(span, err)
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	inc, err := decode(doc)
	if err != nil {
		err = fmt.Errorf("%w: decode %s: %w", incident.ErrPersistence, id, err)
		recordErr(span, err)
		return nil, false, err
	}
	s.remember(inc)
	return inc.Clone(), true, nil
}

// Update loads id, applies the change, bumps UpdatedAt and saves. An error
// from apply aborts the update and is returned unchanged. Updates of the same
// ID are serialized; apply must not call Update or Close for that ID.
func (s *Store) Update(ctx context.Context, id string, apply func(*incident.Incident) error) (*incident.Incident, error) {
	unlock := s.updates.lock(id)
	defer unlock()

	inc, ok, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", incident.ErrNotFound, id)
	}
	if err := apply(inc); err != nil {
		return nil, err
	}
	inc.UpdatedAt = s.now().UTC()
	if err := s.Save(ctx, inc); err != nil {
		return nil, err
	}
	return inc.Clone(), nil
}

// Close marks the incident closed, persists it and evicts it from the cache.
// The record stays loadable from the backend.
func (s *Store) Close(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(inc *incident.Incident) error {
		if inc.Status != incident.StatusClosed {
			inc.Status = incident.StatusClosed
		}
		if inc.ClosedAt == nil {
			now := s.now().UTC()
			inc.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// List returns every persisted incident ordered by ID.
func (s *Store) List(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "session.List")
	defer span.End()

	docs, err := s.backend.List(ctx)
	if err != nil {
		err = fmt.Errorf("%w: list: %w", incident.ErrPersistence, err)
		recordErr(span, err)
		return nil, err
	}
	out := make([]*incident.Incident, 0, len(docs))
	for _, doc := range docs {
		inc, err := decode(doc)
		if err != nil {
			err = fmt.Errorf("%w: decode: %w", incident.ErrPersistence, err)
			recordErr(span, err)
			return nil, err
		}
		out = append(out, inc)
	}
	slices.SortFunc(out, func(a, b *incident.Incident) int { return incident.CompareIDs(a.ID, b.ID) })
	return out, nil
}

// keyLocks hands out one mutex per ID and drops it once no caller holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(id string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (s *Store) write(ctx context.Context, inc *incident.Incident) error {
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("%w: incident without id", incident.ErrValidation)
	}
	doc, err := json.Marshal(record{Version: recordVersion, Kind: "incident", Incident: inc})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", incident.ErrPersistence, inc.ID, err)
	}
	if err := s.backend.Put(ctx, inc.ID, doc); err != nil {
		return fmt.Errorf("%w: put %s: %w", incident.ErrPersistence, inc.ID, err)
	}
	return nil
}

func (s *Store) remember(inc *incident.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc.Status == incident.StatusClosed {
		delete(s.cache, inc.ID)
		return
	}
	s.cache[inc.ID] = inc.Clone()
}

func decode(doc []byte) (*incident.Incident, error) {
	var rec record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", rec.Version)
	}
	if rec.Incident == nil {
		return nil, fmt.Errorf("record has no incident")
	}
	return rec.Incident, nil
}

func startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("aftermath.incident.id", id)))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
