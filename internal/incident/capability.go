package incident

import (
	"context"
	"time"
)

// Store is the persistence interface for canonical incident records.
type Store interface {
	Save(ctx context.Context, inc *Incident) error
	Load(ctx context.Context, id string) (*Incident, bool, error)
	Update(ctx context.Context, id string, apply func(*Incident) error) (*Incident, error)
	Close(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Incident, error)
}

// Classifier turns an alert into structured incident fields.
type Classifier interface {
	Classify(ctx context.Context, al *Alert) (*Classification, error)
}

// Reporter produces the initial incident report.
type Reporter interface {
	Report(ctx context.Context, inc *Incident) (string, error)
}

// PostmortemWriter produces the postmortem for a resolved incident.
type PostmortemWriter interface {
	WritePostmortem(ctx context.Context, inc *Incident, similar []SimilarIncident) (*Postmortem, error)
}

// SolutionAdvisor proposes remediation steps from similar past incidents.
type SolutionAdvisor interface {
	SuggestSolutions(ctx context.Context, inc *Incident, similar []SimilarIncident) ([]string, error)
}

// KnowledgeBase indexes completed incidents and answers similarity queries.
// SearchSimilar never fails: an unreachable index yields no results.
type KnowledgeBase interface {
	IndexIncident(ctx context.Context, inc *Incident) error
	SearchSimilar(ctx context.Context, query string, limit int, severity Severity) []SimilarIncident
	Count(ctx context.Context) int
}

// ActionTracker owns action items and their tickets.
type ActionTracker interface {
	Track(ctx context.Context, incidentID string, items []ActionItem) []ActionItem
	Restore(incidentID string, items []ActionItem)
	Discard(items []ActionItem)
	Complete(ctx context.Context, itemID string, now time.Time) (ActionItem, error)
	CheckOverdue(now time.Time) []ActionItem
	ItemsFor(incidentID string) []ActionItem
	AllItems() []ActionItem
}

// Notifier announces incident lifecycle changes.
type Notifier interface {
	Notify(ctx context.Context, inc *Incident) error
}

type nopKnowledge struct{}

func (nopKnowledge) IndexIncident(context.Context, *Incident) error { return nil }
func (nopKnowledge) SearchSimilar(context.Context, string, int, Severity) []SimilarIncident {
	return nil
}
func (nopKnowledge) Count(context.Context) int { return 0 }

// NopKnowledge is a KnowledgeBase that stores nothing and finds nothing.
func NopKnowledge() KnowledgeBase { return nopKnowledge{} }

type nopTracker struct{}

func (nopTracker) Track(_ context.Context, _ string, items []ActionItem) []ActionItem { return items }
func (nopTracker) Restore(string, []ActionItem)                                      {}
func (nopTracker) Discard([]ActionItem)                                              {}
func (nopTracker) Complete(context.Context, string, time.Time) (ActionItem, error) {
	return ActionItem{}, ErrNotFound
}
func (nopTracker) CheckOverdue(time.Time) []ActionItem { return nil }
func (nopTracker) ItemsFor(string) []ActionItem        { return nil }
func (nopTracker) AllItems() []ActionItem              { return nil }

// NopTracker is an ActionTracker that creates no tickets and remembers nothing.
func NopTracker() ActionTracker { return nopTracker{} }

type nopAdvisor struct{}

func (nopAdvisor) SuggestSolutions(context.Context, *Incident, []SimilarIncident) ([]string, error) {
	return nil, nil
}

type staticReporter struct{}

func (staticReporter) Report(_ context.Context, inc *Incident) (string, error) {
	return "# " + inc.Title + "\n\nSeverity: " + string(inc.Severity), nil
}
