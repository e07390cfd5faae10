package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/incident")

const (
	// SimilarLimit caps the similar incidents handed to the postmortem writer.
	SimilarLimit = 3

	defaultKnowledgeLimit = 5
	maxKnowledgeLimit     = 50
)

// Collaborators groups the capabilities the Service sequences. Classifier and
// Postmortems are required; the rest fall back to no-op implementations.
type Collaborators struct {
	Classifier  Classifier
	Reporter    Reporter
	Postmortems PostmortemWriter
	Advisor     SolutionAdvisor
	Knowledge   KnowledgeBase
	Actions     ActionTracker
	Notifier    Notifier
}

// Service is the incident orchestrator. It owns identity assignment and the
// lifecycle state machine; canonical state lives in the Store.
type Service struct {
	store       Store
	classifier  Classifier
	reporter    Reporter
	postmortems PostmortemWriter
	advisor     SolutionAdvisor
	knowledge   KnowledgeBase
	actions     ActionTracker
	notifier    Notifier
	ids         *IDAllocator
	logger      log.Logger
	hooks       Hooks
	now         func() time.Time
}

// NewService creates a new incident service.
func NewService(store Store, c Collaborators, logger log.Logger, hooks Hooks) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if c.Classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if c.Postmortems == nil {
		panic(xerrors.New("postmortem writer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if c.Reporter == nil {
		c.Reporter = staticReporter{}
	}
	if c.Advisor == nil {
		c.Advisor = nopAdvisor{}
	}
	if c.Knowledge == nil {
		c.Knowledge = NopKnowledge()
	}
	if c.Actions == nil {
		c.Actions = NopTracker()
	}
	return &Service{
		store:       store,
		classifier:  c.Classifier,
		reporter:    c.Reporter,
		postmortems: c.Postmortems,
		advisor:     c.Advisor,
		knowledge:   c.Knowledge,
		actions:     c.Actions,
		notifier:    c.Notifier,
		ids:         NewIDAllocator(time.Now),
		logger:      logger,
		hooks:       hooks,
		now:         time.Now,
	}
}

// WithClock replaces the clock used for timestamps and ID date stamps.
// Sequences already observed by Recover are kept.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.ids = s.ids.WithClock(now)
	return s
}

// SubmitResult is the outcome of SubmitIncident.
type SubmitResult struct {
	IncidentID     string          `json:"incident_id"`
	Status         ResultStatus    `json:"status"`
	Severity       Severity        `json:"severity,omitempty"`
	Title          string          `json:"title,omitempty"`
	Report         string          `json:"report,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	FailedStep     string          `json:"failed_step,omitempty"`
	Message        string          `json:"message"`
}

// PostmortemResult is the outcome of GeneratePostmortem.
type PostmortemResult struct {
	IncidentID       string            `json:"incident_id"`
	Status           ResultStatus      `json:"status"`
	Postmortem       string            `json:"postmortem,omitempty"`
	ActionItems      []ActionItem      `json:"action_items"`
	Lessons          []string          `json:"lessons_learned"`
	SimilarIncidents []SimilarIncident `json:"similar_incidents"`
	FailedStep       string            `json:"failed_step,omitempty"`
	Message          string            `json:"message,omitempty"`
}

// KnowledgeResult is the outcome of QueryKnowledge.
type KnowledgeResult struct {
	Status  ResultStatus      `json:"status"`
	Query   string            `json:"query"`
	Results []SimilarIncident `json:"results"`
	Count   int               `json:"count"`
}

// SolutionsResult is the outcome of SuggestSolutions.
type SolutionsResult struct {
	IncidentID       string            `json:"incident_id"`
	Status           ResultStatus      `json:"status"`
	Solutions        []string          `json:"solutions"`
	SimilarIncidents []SimilarIncident `json:"similar_incidents"`
}

// TrackResult is the outcome of TrackActionItems.
type TrackResult struct {
	IncidentID  string       `json:"incident_id"`
	Status      ResultStatus `json:"status"`
	ActionItems []ActionItem `json:"action_items"`
	Ticketed    int          `json:"ticketed"`
}

// OverdueResult is the outcome of CheckOverdueItems.
type OverdueResult struct {
	Status    ResultStatus `json:"status"`
	CheckedAt time.Time    `json:"checked_at"`
	Items     []ActionItem `json:"items"`
	Count     int          `json:"count"`
}

// Recover seeds the ID allocator and action tracker from persisted incidents
// and rebuilds an empty knowledge corpus from closed ones. Call once at
// startup before serving traffic.
func (s *Service) Recover(ctx context.Context) error {
	incs, err := s.store.List(ctx)
	if err != nil {
		return wrapPersistence(fmt.Errorf("list incidents: %w", err))
	}
	var (
		items  int
		closed []*Incident
	)
	for _, inc := range incs {
		s.ids.Observe(inc.ID)
		if len(inc.ActionItems) > 0 {
			s.actions.Restore(inc.ID, inc.ActionItems)
			items += len(inc.ActionItems)
		}
		if inc.Status == StatusClosed {
			closed = append(closed, inc)
		}
	}
	reindexed := s.reindex(ctx, closed)
	s.logger.Info(ctx, "recovered incident state",
		"incidents", len(incs),
		"action_items", items,
		"reindexed", reindexed,
	)
	return nil
}

// reindex indexes closed incidents when the knowledge corpus is empty, as it
// is after a restart over an in-memory vector store. Failures are logged and
// skipped.
func (s *Service) reindex(ctx context.Context, closed []*Incident) int {
	if len(closed) == 0 || s.knowledge.Count(ctx) > 0 {
		return 0
	}
	var n int
	for _, inc := range closed {
		if err := s.knowledge.IndexIncident(ctx, inc); err != nil {
			s.degraded(StepIndex)
			s.logger.Warn(ctx, "reindex failed", "incident_id", inc.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// SubmitIncident classifies an alert, produces a report and persists a new
// active incident. Classification or report failure persists nothing but
// still returns the allocated ID with status error.
func (s *Service) SubmitIncident(ctx context.Context, al *Alert) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "incident.submit")
	defer span.End()

	if err := ValidateAlert(al); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.onSubmit(ResultError)
		return nil, err
	}

	id := s.ids.Next()
	span.SetAttributes(
		attribute.String("aftermath.incident.id", id),
		attribute.String("aftermath.alert.service", al.Service),
	)
	L := s.logger.With("incident_id", id, "service", al.Service)

	fail := func(step string, err error) (*SubmitResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.onSubmit(ResultError)
		L.Error(ctx, err, "incident submission failed", "step", step)
		return &SubmitResult{
			IncidentID: id,
			Status:     ResultError,
			FailedStep: step,
			Message:    fmt.Sprintf("failed to process incident: %v", err),
		}, err
	}

	var cls *Classification
	err := s.step(ctx, StepClassify, func(ctx context.Context) error {
		c, err := s.classifier.Classify(ctx, al)
		if err != nil {
			return err
		}
		if c == nil {
			return errors.New("classifier returned no result")
		}
		cls = c
		return nil
	})
	if err != nil {
		return fail(StepClassify, fmt.Errorf("%w: classify: %w", ErrCollaboratorUnavailable, err))
	}
	normalizeClassification(cls, al)

	now := s.now().UTC()
	inc := &Incident{
		ID:                 id,
		AlertID:            al.AlertID,
		Title:              cls.Title,
		Severity:           cls.Severity,
		Status:             StatusNew,
		AffectedServices:   cls.AffectedServices,
		ErrorMessages:      cls.ErrorMessages,
		RecommendedActions: cls.RecommendedActions,
		Metadata:           alertMetadata(al),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.step(ctx, StepReport, func(ctx context.Context) error {
		report, err := s.reporter.Report(ctx, inc)
		if err != nil {
			return err
		}
		inc.Report = report
		return nil
	})
	if err != nil {
		return fail(StepReport, fmt.Errorf("%w: report: %w", ErrCollaboratorUnavailable, err))
	}
	inc.Status = StatusActive

	if err := s.step(ctx, StepPersist, func(ctx context.Context) error {
		return s.store.Save(ctx, inc)
	}); err != nil {
		return fail(StepPersist, wrapPersistence(err))
	}

	s.notify(ctx, inc)
	s.onSubmit(ResultActive)
	span.SetAttributes(attribute.String("aftermath.incident.severity", string(inc.Severity)))

	L.Info(ctx, "incident created", "severity", inc.Severity, "title", inc.Title)

	return &SubmitResult{
		IncidentID:     id,
		Status:         ResultActive,
		Severity:       inc.Severity,
		Title:          inc.Title,
		Report:         inc.Report,
		Classification: cls,
		Message:        fmt.Sprintf("Incident %s created and processed", id),
	}, nil
}

// GeneratePostmortem runs the postmortem pipeline for an incident and closes it.
// Only postmortem generation and persistence are fatal; knowledge lookups,
// indexing and individual tickets degrade without failing the call. On failure
// the stored incident is left exactly as it was, so the call can be retried.
func (s *Service) GeneratePostmortem(ctx context.Context, id string) (*PostmortemResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "incident.postmortem", trace.WithAttributes(
		attribute.String("aftermath.incident.id", id),
	))
	defer span.End()

	L := s.logger.With("incident_id", id)
	res := &PostmortemResult{IncidentID: id, SimilarIncidents: []SimilarIncident{}}

	fail := func(step string, err error) (*PostmortemResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "postmortem pipeline failed", "step", step)
		res.Status = ResultFailed
		res.FailedStep = step
		res.Message = fmt.Sprintf("postmortem generation failed: %v", err)
		s.onPostmortem(ResultFailed, time.Since(start).Seconds())
		return res, err
	}

	var inc *Incident
	err := s.step(ctx, StepLoad, func(ctx context.Context) error {
		got, ok, err := s.store.Load(ctx, id)
		if err != nil {
			return wrapPersistence(fmt.Errorf("load %s: %w", id, err))
		}
		if !ok {
			return fmt.Errorf("%w: incident %s", ErrNotFound, id)
		}
		inc = got
		return nil
	})
	if err != nil {
		return fail(StepLoad, err)
	}
	if !inc.Status.CanAdvanceTo(StatusClosed) {
		return fail(StepLoad, fmt.Errorf("%w: incident %s is %s", ErrInvalidTransition, id, inc.Status))
	}

	// the stored record is only replaced once the pipeline succeeds
	working := inc.Clone()
	if working.Status == StatusActive {
		resolvedAt := s.now().UTC()
		working.Status = StatusResolved
		working.ResolvedAt = &resolvedAt
	}
	working.Status = StatusPostmortemInProgress

	query := strings.TrimSpace(working.Title + " " + strings.Join(working.ErrorMessages, " "))
	var similar []SimilarIncident
	_ = s.step(ctx, StepSearch, func(ctx context.Context) error {
		similar = s.knowledge.SearchSimilar(ctx, query, SimilarLimit, "")
		return nil
	})
	if similar == nil {
		similar = []SimilarIncident{}
	}
	L.Info(ctx, "similar incident lookup complete", "similar", len(similar))

	var pm *Postmortem
	err = s.step(ctx, StepPostmortem, func(ctx context.Context) error {
		p, err := s.postmortems.WritePostmortem(ctx, working, similar)
		if err != nil {
			return err
		}
		if p == nil {
			return errors.New("postmortem writer returned no result")
		}
		pm = p
		return nil
	})
	if err != nil {
		return fail(StepPostmortem, fmt.Errorf("%w: postmortem: %w", ErrCollaboratorUnavailable, err))
	}

	var tracked []ActionItem
	_ = s.step(ctx, StepTickets, func(ctx context.Context) error {
		tracked = s.actions.Track(ctx, id, pm.ActionItems)
		return nil
	})
	if n := ticketed(tracked); n < len(tracked) {
		s.degraded(StepTickets)
		L.Warn(ctx, "some action items have no ticket", "items", len(tracked), "ticketed", n)
	}

	closedAt := s.now().UTC()
	working.Postmortem = pm.Document
	working.LessonsLearned = pm.Lessons
	working.SimilarIncidents = similar
	working.ActionItems = append(working.ActionItems, tracked...)
	working.Status = StatusClosed
	working.ClosedAt = &closedAt
	working.UpdatedAt = closedAt

	if err := s.step(ctx, StepIndex, func(ctx context.Context) error {
		return s.knowledge.IndexIncident(ctx, working)
	}); err != nil {
		s.degraded(StepIndex)
		L.Warn(ctx, "incident indexing failed", "error", err)
	}

	var saved bool
	if err := s.step(ctx, StepPersist, func(ctx context.Context) error {
		_, err := s.store.Update(ctx, id, func(cur *Incident) error {
			if cur.Status == StatusClosed {
				return fmt.Errorf("%w: incident %s was closed concurrently", ErrInvalidTransition, id)
			}
			// items completed or tracked since load live on the stored record
			working.ActionItems = append(cur.ActionItems, tracked...)
			*cur = *working.Clone()
			return nil
		})
		if err != nil {
			return err
		}
		saved = true
		return s.store.Close(ctx, id)
	}); err != nil {
		if !saved {
			s.discard(ctx, tracked)
		}
		return fail(StepPersist, wrapPersistence(err))
	}

	s.notify(ctx, working)

	res.Status = ResultCompleted
	res.Postmortem = pm.Document
	res.ActionItems = tracked
	res.Lessons = pm.Lessons
	res.SimilarIncidents = similar
	s.onPostmortem(ResultCompleted, time.Since(start).Seconds())

	L.Info(ctx, "postmortem complete",
		"action_items", len(tracked),
		"ticketed", ticketed(tracked),
		"similar", len(similar),
	)
	return res, nil
}

// ResolveIncident moves an active incident to resolved. Resolving an already
// resolved incident is a no-op.
func (s *Service) ResolveIncident(ctx context.Context, id string) (*Incident, error) {
	inc, err := s.store.Update(ctx, id, func(inc *Incident) error {
		if inc.Status == StatusResolved {
			return nil
		}
		if !inc.Status.CanAdvanceTo(StatusResolved) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, StatusResolved)
		}
		now := s.now().UTC()
		inc.Status = StatusResolved
		inc.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "incident resolved", "incident_id", id)
	return inc, nil
}

// GetIncident returns the canonical record for id.
func (s *Service) GetIncident(ctx context.Context, id string) (*Incident, error) {
	inc, ok, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", ErrNotFound, id)
	}
	return inc, nil
}

// ListIncidents returns every persisted incident ordered by ID.
func (s *Service) ListIncidents(ctx context.Context) ([]*Incident, error) {
	incs, err := s.store.List(ctx)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	return incs, nil
}

// QueryKnowledge ranks past incidents by similarity to text.
func (s *Service) QueryKnowledge(ctx context.Context, text string, limit int, severity Severity) *KnowledgeResult {
	ctx, span := tracer.Start(ctx, "incident.query_knowledge")
	defer span.End()

	if limit <= 0 {
		limit = defaultKnowledgeLimit
	}
	limit = min(limit, maxKnowledgeLimit)

	results := s.knowledge.SearchSimilar(ctx, text, limit, severity)
	if results == nil {
		results = []SimilarIncident{}
	}
	span.SetAttributes(attribute.Int("aftermath.knowledge.results", len(results)))
	return &KnowledgeResult{Status: ResultCompleted, Query: text, Results: results, Count: len(results)}
}

// SuggestSolutions proposes remediation steps for an incident from similar
// past incidents. Any collaborator failure yields an empty list.
func (s *Service) SuggestSolutions(ctx context.Context, id string) (*SolutionsResult, error) {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &SolutionsResult{IncidentID: id, Status: ResultCompleted, Solutions: []string{}}

	query := strings.TrimSpace(inc.Title + " " + strings.Join(inc.ErrorMessages, " "))
	similar := s.knowledge.SearchSimilar(ctx, query, SimilarLimit, "")
	res.SimilarIncidents = append([]SimilarIncident{}, similar...)
	if len(similar) == 0 {
		return res, nil
	}

	solutions, err := s.advisor.SuggestSolutions(ctx, inc, similar)
	if err != nil {
		s.degraded("solutions")
		s.logger.Warn(ctx, "solution suggestion failed", "incident_id", id, "error", err)
		return res, nil
	}
	res.Solutions = append(res.Solutions, solutions...)
	return res, nil
}

// TrackActionItems hands items to the action tracker and records them on the incident.
func (s *Service) TrackActionItems(ctx context.Context, id string, items []ActionItem) (*TrackResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no action items", ErrValidation)
	}
	for i := range items {
		if strings.TrimSpace(items[i].Description) == "" {
			return nil, fmt.Errorf("%w: action item %d has no description", ErrValidation, i)
		}
	}
	if _, err := s.GetIncident(ctx, id); err != nil {
		return nil, err
	}

	tracked := s.actions.Track(ctx, id, items)
	if _, err := s.store.Update(ctx, id, func(inc *Incident) error {
		inc.ActionItems = append(inc.ActionItems, tracked...)
		return nil
	}); err != nil {
		s.discard(ctx, tracked)
		return nil, wrapPersistence(err)
	}
	return &TrackResult{
		IncidentID:  id,
		Status:      ResultCompleted,
		ActionItems: tracked,
		Ticketed:    ticketed(tracked),
	}, nil
}

// CheckOverdueItems lists open action items whose due date is before now.
func (s *Service) CheckOverdueItems(ctx context.Context, now time.Time) *OverdueResult {
	items := s.actions.CheckOverdue(now)
	if items == nil {
		items = []ActionItem{}
	}
	s.logger.Info(ctx, "overdue check complete", "overdue", len(items))
	return &OverdueResult{Status: ResultCompleted, CheckedAt: now, Items: items, Count: len(items)}
}

// CompleteActionItem marks an action item completed and records the change on its incident.
func (s *Service) CompleteActionItem(ctx context.Context, itemID string) (ActionItem, error) {
	item, err := s.actions.Complete(ctx, itemID, s.now().UTC())
	if err != nil {
		return ActionItem{}, err
	}
	_, err = s.store.Update(ctx, item.IncidentID, func(inc *Incident) error {
		for i := range inc.ActionItems {
			if inc.ActionItems[i].ID == item.ID {
				inc.ActionItems[i] = item.Clone()
			}
		}
		return nil
	})
	if err != nil {
		return ActionItem{}, wrapPersistence(err)
	}
	return item, nil
}

// ActionItems returns the tracked items for one incident.
func (s *Service) ActionItems(id string) []ActionItem {
	return s.actions.ItemsFor(id)
}

// AllActionItems returns every tracked item.
func (s *Service) AllActionItems() []ActionItem {
	return s.actions.AllItems()
}

// KnowledgeCount returns the size of the knowledge corpus.
func (s *Service) KnowledgeCount(ctx context.Context) int {
	return s.knowledge.Count(ctx)
}

func (s *Service) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "incident."+name, trace.WithAttributes(
		attribute.String("aftermath.step", name),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.hooks.OnStep != nil {
		s.hooks.OnStep(name, err == nil, time.Since(start).Seconds())
	}
	return err
}

// discard drops tracked items whose incident record could not be saved.
// Their tickets stay open in the ticket system.
func (s *Service) discard(ctx context.Context, tracked []ActionItem) {
	if len(tracked) == 0 {
		return
	}
	s.actions.Discard(tracked)
	var tickets []string
	for i := range tracked {
		if tracked[i].TicketID != "" {
			tickets = append(tickets, tracked[i].TicketID)
		}
	}
	s.logger.Warn(ctx, "discarded action items after persistence failure",
		"incident_id", tracked[0].IncidentID,
		"items", len(tracked),
		"orphaned_tickets", strings.Join(tickets, ","),
	)
}

func (s *Service) notify(ctx context.Context, inc *Incident) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, inc); err != nil {
		s.degraded(StepNotify)
		s.logger.Warn(ctx, "notification failed", "incident_id", inc.ID, "error", err)
	}
}

func (s *Service) onSubmit(status ResultStatus) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(status)
	}
}

func (s *Service) onPostmortem(status ResultStatus, duration float64) {
	if s.hooks.OnPostmortem != nil {
		s.hooks.OnPostmortem(status, duration)
	}
}

func (s *Service) degraded(step string) {
	if s.hooks.OnDegraded != nil {
		s.hooks.OnDegraded(step)
	}
}

func normalizeClassification(c *Classification, al *Alert) {
	if !c.Severity.Valid() {
		c.Severity = Sev3
	}
	if strings.TrimSpace(c.Title) == "" {
		c.Title = al.Message
	}
	if len(c.AffectedServices) == 0 {
		c.AffectedServices = []string{al.Service}
	}
	if len(c.ErrorMessages) == 0 {
		c.ErrorMessages = []string{al.Message}
	}
}

func alertMetadata(al *Alert) map[string]string {
	md := make(map[string]string, len(al.Labels)+6)
	for k, v := range al.Labels {
		md["label."+k] = v
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("service", al.Service)
	set("metric", al.Metric)
	set("environment", al.Environment)
	set("source", al.Source)
	set("runbook_url", al.RunbookURL)
	if al.Current != nil {
		md["current"] = fmt.Sprintf("%g", *al.Current)
	}
	if al.Threshold != nil {
		md["threshold"] = fmt.Sprintf("%g", *al.Threshold)
	}
	return md
}

func ticketed(items []ActionItem) int {
	var n int
	for i := range items {
		if items[i].TicketID != "" {
			n++
		}
	}
	return n
}

func wrapPersistence(err error) error {
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
