package knowledge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/knowledge")

// Result is one search hit.
type Result struct {
	ID         string
	Title      string
	Severity   incident.Severity
	Similarity float64
	Summary    string
}

// Index embeds records and delegates storage to a VectorStore. It implements
// incident.KnowledgeBase.
type Index struct {
	store    VectorStore
	embedder Embedder
	dim      int
	logger   log.Logger
	hooks    Hooks
}

// Option configures an Index.
type Option func(*Index)

// WithDimension sets the zero-vector fallback size. It must match the embedder.
func WithDimension(dim int) Option {
	return func(x *Index) {
		if dim > 0 {
			x.dim = dim
		}
	}
}

// WithHooks attaches metric hooks.
func WithHooks(h Hooks) Option {
	return func(x *Index) { x.hooks = h }
}

// NewIndex creates an Index. A nil embedder uses a HashEmbedder.
func NewIndex(store VectorStore, embedder Embedder, logger log.Logger, opts ...Option) *Index {
	if store == nil {
		panic(xerrors.New("vector store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	x := &Index{store: store, embedder: embedder, dim: DefaultDimension, logger: logger}
	for _, o := range opts {
		o(x)
	}
	if x.embedder == nil {
		x.embedder = NewHashEmbedder(x.dim)
	}
	return x
}

// Index writes rec, computing its vector first if rec.Vector is empty.
func (x *Index) Index(ctx context.Context, rec Record) error {
	ctx, span := tracer.Start(ctx, "knowledge.index", trace.WithAttributes(
		attribute.String("aftermath.incident.id", rec.ID),
	))
	defer span.End()

	if rec.ID == "" {
		return fmt.Errorf("%w: record without id", incident.ErrValidation)
	}
	if len(rec.Vector) == 0 {
		rec.Vector = x.embed(ctx, rec.Document)
	}
	if err := x.store.Upsert(ctx, rec); err != nil {
		if !errors.Is(err, ErrIndexUnavailable) {
			err = fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.onIndex(false)
		return err
	}
	x.onIndex(true)
	return nil
}

// Search returns up to limit records nearest to text. It never fails: an
// empty or unreachable store yields an empty slice.
func (x *Index) Search(ctx context.Context, text string, limit int, severity incident.Severity) []Result {
	ctx, span := tracer.Start(ctx, "knowledge.search", trace.WithAttributes(
		attribute.Int("aftermath.knowledge.limit", limit),
		attribute.String("aftermath.knowledge.severity", string(severity)),
	))
	defer span.End()

	out := []Result{}
	if limit <= 0 {
		return out
	}

	matches, err := x.store.Query(ctx, x.embed(ctx, text), limit, severity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Warn(ctx, "knowledge search failed", "error", err)
		x.onSearch(false, 0)
		return out
	}
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, Result{
			ID:         m.Record.ID,
			Title:      m.Record.Metadata.Title,
			Severity:   m.Record.Metadata.Severity,
			Similarity: similarity(m.Distance),
			Summary:    summarize(m.Record.Document),
		})
	}
	span.SetAttributes(attribute.Int("aftermath.knowledge.results", len(out)))
	x.onSearch(true, len(out))
	return out
}

// IndexIncident indexes a closed incident.
func (x *Index) IndexIncident(ctx context.Context, inc *incident.Incident) error {
	return x.Index(ctx, BuildRecord(inc))
}

// SearchSimilar adapts Search to incident.SimilarIncident.
func (x *Index) SearchSimilar(ctx context.Context, query string, limit int, severity incident.Severity) []incident.SimilarIncident {
	results := x.Search(ctx, query, limit, severity)
	out := make([]incident.SimilarIncident, 0, len(results))
	for _, r := range results {
		out = append(out, incident.SimilarIncident{
			IncidentID: r.ID,
			Title:      r.Title,
			Severity:   r.Severity,
			Similarity: r.Similarity,
			Summary:    r.Summary,
		})
	}
	return out
}

// Count returns the corpus size, or 0 if the store cannot be reached.
func (x *Index) Count(ctx context.Context) int {
	n, err := x.store.Count(ctx)
	if err != nil {
		x.logger.Warn(ctx, "knowledge count failed", "error", err)
		return 0
	}
	return n
}

func (x *Index) embed(ctx context.Context, text string) []float32 {
	vec, err := x.embedder.Embed(ctx, text)
	if err == nil && len(vec) > 0 {
		return vec
	}
	if err == nil {
		err = errors.New("empty embedding")
	}
	x.logger.Warn(ctx, "embedding failed, using zero vector", "error", err, "dim", x.dim)
	if x.hooks.OnEmbedFallback != nil {
		x.hooks.OnEmbedFallback()
	}
	return make([]float32, x.dim)
}

func (x *Index) onIndex(ok bool) {
	if x.hooks.OnIndex != nil {
		x.hooks.OnIndex(ok)
	}
}

func (x *Index) onSearch(ok bool, n int) {
	if x.hooks.OnSearch != nil {
		x.hooks.OnSearch(ok, n)
	}
}

func similarity(distance float64) float64 {
	return min(max(1-distance, 0), 1)
}
