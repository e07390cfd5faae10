// Package incidentapi exposes the incident orchestrator over HTTP under /api/v1.
package incidentapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const maxBodyBytes = 1 << 20

// IncidentService defines the orchestrator operations the API needs.
type IncidentService interface {
	SubmitIncident(ctx context.Context, al *incident.Alert) (*incident.SubmitResult, error)
	GeneratePostmortem(ctx context.Context, id string) (*incident.PostmortemResult, error)
	ResolveIncident(ctx context.Context, id string) (*incident.Incident, error)
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	ListIncidents(ctx context.Context) ([]*incident.Incident, error)
	QueryKnowledge(ctx context.Context, text string, limit int, severity incident.Severity) *incident.KnowledgeResult
	SuggestSolutions(ctx context.Context, id string) (*incident.SolutionsResult, error)
	TrackActionItems(ctx context.Context, id string, items []incident.ActionItem) (*incident.TrackResult, error)
	CheckOverdueItems(ctx context.Context, now time.Time) *incident.OverdueResult
	CompleteActionItem(ctx context.Context, itemID string) (incident.ActionItem, error)
	ActionItems(id string) []incident.ActionItem
	AllActionItems() []incident.ActionItem
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      IncidentService
	auth     func(http.Handler) http.Handler
	inflight *inflight
	now      func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithAuth protects mutating routes with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithClock sets the clock used for overdue checks.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	a := &API{
		logger:   logger,
		svc:      svc,
		inflight: newInflight(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/solutions", a.handleSuggestSolutions)
		r.Get("/incidents/{id}/actions", a.handleIncidentActions)
		r.Get("/actions", a.handleAllActions)
		r.Get("/actions/overdue", a.handleOverdue)
		r.Get("/knowledge", a.handleQueryKnowledge)

		r.Group(func(r chi.Router) {
			if a.auth != nil {
				r.Use(a.auth)
			}
			r.Post("/alerts", a.handleSubmitAlert)
			r.Post("/incidents/{id}/resolve", a.guarded(a.handleResolve))
			r.Post("/incidents/{id}/postmortem", a.guarded(a.handlePostmortem))
			r.Post("/incidents/{id}/actions", a.guarded(a.handleTrackActions))
			r.Post("/actions/{id}/complete", a.handleCompleteAction)
		})
	})
}
