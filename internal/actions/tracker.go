// Package actions tracks postmortem action items, opens a ticket for each
// and reports the ones past their due date.
package actions

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/ticket"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftermath/internal/actions")

// SLA maps a priority to the time allowed before an item is due. Items that
// already carry a due date keep it; priorities missing from the map get none.
type SLA map[incident.Priority]time.Duration

// Tracker owns action items. It is safe for concurrent use; ticket creation
// happens outside the lock so one slow tracker call never blocks reads.
type Tracker struct {
	creator ticket.Creator
	logger  log.Logger
	hooks   Hooks
	sla     SLA
	now     func() time.Time

	mu         sync.RWMutex
	items      map[string]incident.ActionItem
	byIncident map[string][]string // incident ID -> item IDs in insertion order
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSLA assigns due dates to items that arrive without one.
func WithSLA(sla SLA) Option {
	return func(t *Tracker) { t.sla = sla }
}

// WithHooks attaches metric hooks.
func WithHooks(h Hooks) Option {
	return func(t *Tracker) { t.hooks = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker that opens tickets with creator.
func NewTracker(creator ticket.Creator, logger log.Logger, opts ...Option) *Tracker {
	if creator == nil {
		panic(xerrors.New("ticket creator is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	t := &Tracker{
		creator:    creator,
		logger:     logger,
		now:        time.Now,
		items:      make(map[string]incident.ActionItem),
		byIncident: make(map[string][]string),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track registers items against incidentID and opens one ticket per item.
// A ticket failure is logged and the item is kept without a ticket. There is
// no deduplication: tracking the same item twice creates two tickets.
func (t *Tracker) Track(ctx context.Context, incidentID string, items []incident.ActionItem) []incident.ActionItem {
	ctx, span := tracer.Start(ctx, "actions.track", trace.WithAttributes(
		attribute.String("aftermath.incident.id", incidentID),
		attribute.Int("aftermath.actions.count", len(items)),
	))
	defer span.End()

	out := make([]incident.ActionItem, 0, len(items))
	var failed int
	for _, in := range items {
		item := t.prepare(incidentID, in)
		if err := t.openTicket(ctx, &item); err != nil {
			failed++
			t.logger.Warn(ctx, "ticket creation failed",
				"incident_id", incidentID,
				"item_id", item.ID,
				"error", err,
			)
		}
		out = append(out, item)
	}

	t.mu.Lock()
	for _, item := range out {
		t.items[item.ID] = item.Clone()
		t.byIncident[incidentID] = append(t.byIncident[incidentID], item.ID)
	}
	t.mu.Unlock()

	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d tickets failed", failed, len(out)))
	}
	span.SetAttributes(attribute.Int("aftermath.actions.ticketed", len(out)-failed))
	return out
}

// Restore reloads persisted items, e.g. after a restart. Items already known
// by ID and items without an ID are ignored. Ticket IDs are reported to the
// creator when it implements ticket.Observer.
func (t *Tracker) Restore(incidentID string, items []incident.ActionItem) {
	var tickets []string
	t.mu.Lock()
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, ok := t.items[item.ID]; ok {
			continue
		}
		if item.IncidentID == "" {
			item.IncidentID = incidentID
		}
		t.items[item.ID] = item.Clone()
		t.byIncident[incidentID] = append(t.byIncident[incidentID], item.ID)
		if item.TicketID != "" {
			tickets = append(tickets, item.TicketID)
		}
	}
	t.mu.Unlock()

	if obs, ok := t.creator.(ticket.Observer); ok {
		for _, id := range tickets {
			obs.Observe(id)
		}
	}
}

// Discard forgets items returned by Track whose incident record was never
// saved. Unknown IDs are ignored.
func (t *Tracker) Discard(items []incident.ActionItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		cur, ok := t.items[item.ID]
		if !ok {
			continue
		}
		delete(t.items, item.ID)
		ids := slices.DeleteFunc(t.byIncident[cur.IncidentID], func(id string) bool { return id == item.ID })
		if len(ids) == 0 {
			delete(t.byIncident, cur.IncidentID)
		} else {
			t.byIncident[cur.IncidentID] = ids
		}
	}
}

// Complete marks an open item completed. Completing a completed item returns
// it unchanged.
func (t *Tracker) Complete(_ context.Context, itemID string, now time.Time) (incident.ActionItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[itemID]
	if !ok {
		return incident.ActionItem{}, fmt.Errorf("%w: action item %s", incident.ErrNotFound, itemID)
	}
	if item.Status == incident.ActionCompleted {
		return item.Clone(), nil
	}
	now = now.UTC()
	item.Status = incident.ActionCompleted
	item.CompletedAt = &now
	t.items[itemID] = item
	if t.hooks.OnCompleted != nil {
		t.hooks.OnCompleted()
	}
	return item.Clone(), nil
}

// CheckOverdue returns open items whose due date is before now, earliest
// first. Items without a due date or with one that does not parse are skipped.
func (t *Tracker) CheckOverdue(now time.Time) []incident.ActionItem {
	type dated struct {
		item incident.ActionItem
		due  time.Time
	}

	t.mu.RLock()
	var overdue []dated
	for _, item := range t.items {
		if item.Status != incident.ActionOpen || item.DueDate == "" {
			continue
		}
		due, ok := parseDue(item.DueDate)
		if !ok || !due.Before(now) {
			continue
		}
		overdue = append(overdue, dated{item: item.Clone(), due: due})
	}
	t.mu.RUnlock()

	slices.SortFunc(overdue, func(a, b dated) int {
		if c := a.due.Compare(b.due); c != 0 {
			return c
		}
		return cmp.Compare(a.item.ID, b.item.ID)
	})
	out := make([]incident.ActionItem, len(overdue))
	for i := range overdue {
		out[i] = overdue[i].item
	}
	return out
}

// ItemsFor returns the items of one incident in the order they were tracked.
func (t *Tracker) ItemsFor(incidentID string) []incident.ActionItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byIncident[incidentID]
	out := make([]incident.ActionItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.items[id].Clone())
	}
	return out
}

// AllItems returns every tracked item ordered by incident, then insertion.
func (t *Tracker) AllItems() []incident.ActionItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	incidents := make([]string, 0, len(t.byIncident))
	for id := range t.byIncident {
		incidents = append(incidents, id)
	}
	slices.SortFunc(incidents, incident.CompareIDs)
	out := make([]incident.ActionItem, 0, len(t.items))
	for _, inc := range incidents {
		for _, id := range t.byIncident[inc] {
			out = append(out, t.items[id].Clone())
		}
	}
	return out
}

func (t *Tracker) prepare(incidentID string, in incident.ActionItem) incident.ActionItem {
	now := t.now().UTC()
	item := in.Clone()
	item.ID = ulid.Make().String()
	item.IncidentID = incidentID
	item.Status = incident.ActionOpen
	item.CompletedAt = nil
	item.TicketID = ""
	item.TicketURL = ""
	item.CreatedAt = now
	item.Description = strings.TrimSpace(item.Description)
	item.Priority = NormalizePriority(string(item.Priority))
	if item.DueDate == "" {
		if d, ok := t.sla[item.Priority]; ok && d > 0 {
			item.DueDate = now.Add(d).Format(time.RFC3339)
		}
	}
	return item
}

func (t *Tracker) openTicket(ctx context.Context, item *incident.ActionItem) error {
	ctx, span := tracer.Start(ctx, "actions.ticket", trace.WithAttributes(
		attribute.String("aftermath.action.id", item.ID),
		attribute.String("aftermath.action.priority", string(item.Priority)),
	))
	defer span.End()

	tk, err := t.creator.Create(ctx, &ticket.Request{
		Title:       TicketTitle(*item),
		Description: TicketDescription(*item, t.now().UTC()),
		Priority:    string(item.Priority),
		Labels:      TicketLabels(*item),
		IncidentID:  item.IncidentID,
	})
	if err == nil && tk == nil {
		err = fmt.Errorf("ticket backend returned no ticket")
	}
	if err != nil {
		err = fmt.Errorf("%w: ticket: %w", incident.ErrCollaboratorUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.onTicket(false)
		return err
	}
	item.TicketID = tk.ID
	item.TicketURL = tk.URL
	span.SetAttributes(attribute.String("aftermath.ticket.id", tk.ID))
	t.onTicket(true)
	return nil
}

func (t *Tracker) onTicket(ok bool) {
	if t.hooks.OnTicket != nil {
		t.hooks.OnTicket(ok)
	}
}

// NormalizePriority maps free text onto HIGH, MEDIUM or LOW. CRITICAL counts
// as HIGH and anything unrecognised as MEDIUM.
func NormalizePriority(p string) incident.Priority {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "HIGH", "CRITICAL":
		return incident.PriorityHigh
	case "LOW":
		return incident.PriorityLow
	default:
		return incident.PriorityMedium
	}
}

func parseDue(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
