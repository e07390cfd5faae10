// Package weaviatestore implements knowledge.VectorStore on Weaviate. Vectors
// are supplied by the caller; the class is created with no vectorizer.
package weaviatestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/knowledge/weaviatestore")

// DefaultClass is the Weaviate class holding incident records.
const DefaultClass = "Incident"

// Config locates the Weaviate instance.
type Config struct {
	Host   string // host:port
	Scheme string // http or https
	Class  string
}

// Store is a knowledge.VectorStore over one Weaviate class.
type Store struct {
	client *weaviate.Client
	class  string
}

// New connects to Weaviate and creates the class if it does not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, errors.New("weaviatestore: host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	s := &Store{client: client, class: cfg.Class}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx); err == nil {
		return nil
	}
	class := &models.Class{
		Class:       s.class,
		Description: "Closed incidents indexed for similarity search.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "incident_id", DataType: []string{"text"}},
			{Name: "title", DataType: []string{"text"}},
			{Name: "severity", DataType: []string{"text"}},
			{Name: "status", DataType: []string{"text"}},
			{Name: "services", DataType: []string{"text"}},
			{Name: "created_at", DataType: []string{"text"}},
			{Name: "document", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("%w: create class %s: %w", knowledge.ErrIndexUnavailable, s.class, err)
	}
	return nil
}

// Upsert replaces the object for rec.ID. Object UUIDs are derived from the
// incident ID so re-indexing never duplicates.
func (s *Store) Upsert(ctx context.Context, rec knowledge.Record) error {
	ctx, span := startSpan(ctx, "weaviatestore.Upsert", "upsert")
	defer span.End()

	id := objectID(rec.ID)
	props := properties(rec)

	exists, err := s.client.Data().Checker().
		WithClassName(s.class).
		WithID(id).
		Do(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("check %s: %w", rec.ID, err))
	}

	if exists {
		err = s.client.Data().Updater().
			WithClassName(s.class).
			WithID(id).
			WithProperties(props).
			WithVector(rec.Vector).
			Do(ctx)
	} else {
		_, err = s.client.Data().Creator().
			WithClassName(s.class).
			WithID(id).
			WithProperties(props).
			WithVector(rec.Vector).
			Do(ctx)
	}
	if err != nil {
		return fail(span, fmt.Errorf("write %s: %w", rec.ID, err))
	}
	return nil
}

// Query runs a nearVector search, optionally filtered by severity.
func (s *Store) Query(ctx context.Context, vector []float32, limit int, severity incident.Severity) ([]knowledge.Match, error) {
	ctx, span := startSpan(ctx, "weaviatestore.Query", "nearVector")
	defer span.End()

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	get := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(
			graphql.Field{Name: "incident_id"},
			graphql.Field{Name: "title"},
			graphql.Field{Name: "severity"},
			graphql.Field{Name: "status"},
			graphql.Field{Name: "services"},
			graphql.Field{Name: "created_at"},
			graphql.Field{Name: "document"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithLimit(limit)
	if severity != "" {
		get = get.WithWhere(filters.Where().
			WithPath([]string{"severity"}).
			WithOperator(filters.Equal).
			WithValueString(string(severity)))
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query: %w", err))
	}
	if err := graphQLError(resp); err != nil {
		return nil, fail(span, err)
	}

	objs, err := decodeGet(resp, s.class)
	if err != nil {
		return nil, fail(span, err)
	}
	out := make([]knowledge.Match, 0, len(objs))
	for _, o := range objs {
		out = append(out, knowledge.Match{
			Record: knowledge.Record{
				ID:       o.IncidentID,
				Document: o.Document,
				Metadata: knowledge.Metadata{
					Title:     o.Title,
					Severity:  incident.Severity(o.Severity),
					Status:    incident.Status(o.Status),
					Services:  o.Services,
					CreatedAt: o.CreatedAt,
				},
			},
			Distance: o.Additional.Distance,
		})
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// Count returns the number of objects in the class.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "weaviatestore.Count", "aggregate")
	defer span.End()

	resp, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("aggregate: %w", err))
	}
	if err := graphQLError(resp); err != nil {
		return 0, fail(span, err)
	}
	return decodeCount(resp, s.class)
}

type object struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
	Services   string `json:"services"`
	CreatedAt  string `json:"created_at"`
	Document   string `json:"document"`
	Additional struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

func decodeGet(resp *models.GraphQLResponse, class string) ([]object, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var parsed struct {
		Get map[string][]object `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return parsed.Get[class], nil
}

func decodeCount(resp *models.GraphQLResponse, class string) (int, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal aggregate response: %w", err)
	}
	var parsed struct {
		Aggregate map[string][]struct {
			Meta struct {
				Count float64 `json:"count"`
			} `json:"meta"`
		} `json:"Aggregate"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("unmarshal aggregate response: %w", err)
	}
	rows := parsed.Aggregate[class]
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rows[0].Meta.Count), nil
}

func graphQLError(resp *models.GraphQLResponse) error {
	if resp == nil {
		return errors.New("nil graphql response")
	}
	if len(resp.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
}

func properties(rec knowledge.Record) map[string]any {
	return map[string]any{
		"incident_id": rec.ID,
		"title":       rec.Metadata.Title,
		"severity":    string(rec.Metadata.Severity),
		"status":      string(rec.Metadata.Status),
		"services":    rec.Metadata.Services,
		"created_at":  rec.Metadata.CreatedAt,
		"document":    rec.Document,
	}
}

func objectID(incidentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(incidentID)).String()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "weaviate"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	err = fmt.Errorf("%w: %w", knowledge.ErrIndexUnavailable, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
