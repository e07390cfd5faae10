package incident

import (
	"maps"
	"slices"
	"time"
)

// Severity is an incident impact tier. SEV1 is the most severe.
type Severity string

const (
	Sev1 Severity = "SEV1"
	Sev2 Severity = "SEV2"
	Sev3 Severity = "SEV3"
	Sev4 Severity = "SEV4"
)

// Rank orders severities from most (1) to least (4) severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case Sev1:
		return 1
	case Sev2:
		return 2
	case Sev3:
		return 3
	case Sev4:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusNew exists only while an ID is being assigned.
	StatusNew Status = "new"

	// StatusActive means classified and reported, open for triage.
	StatusActive Status = "active"

	// StatusResolved means the operator declared the incident over.
	StatusResolved Status = "resolved"

	// StatusPostmortemInProgress covers the postmortem pipeline.
	StatusPostmortemInProgress Status = "postmortem_in_progress"

	// StatusClosed is terminal.
	StatusClosed Status = "closed"
)

func (s Status) stage() int {
	switch s {
	case StatusNew:
		return 0
	case StatusActive:
		return 1
	case StatusResolved:
		return 2
	case StatusPostmortemInProgress:
		return 3
	case StatusClosed:
		return 4
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	return s.stage() >= 0 && next.stage() > s.stage()
}

// ResultStatus is the explicit outcome carried by every Service result.
type ResultStatus string

const (
	ResultActive    ResultStatus = "active"
	ResultError     ResultStatus = "error"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Alert is the raw monitoring signal that opens an incident.
type Alert struct {
	AlertID     string            `json:"alert_id,omitempty" validate:"max=255"`
	Service     string            `json:"service" validate:"required,min=1,max=255"`
	Message     string            `json:"message" validate:"required,min=1,max=4096"`
	Metric      string            `json:"metric,omitempty" validate:"max=255"`
	Current     *float64          `json:"current,omitempty"`
	Threshold   *float64          `json:"threshold,omitempty"`
	Environment string            `json:"environment,omitempty" validate:"max=64"`
	Source      string            `json:"source,omitempty" validate:"max=255"`
	RunbookURL  string            `json:"runbook_url,omitempty" validate:"omitempty,url"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Classification is the structured output of the classification capability.
type Classification struct {
	Severity           Severity `json:"severity"`
	Title              string   `json:"title"`
	AffectedServices   []string `json:"affected_services"`
	ErrorMessages      []string `json:"error_messages"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Priority of an action item.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ActionStatus of an action item. Items only move from open to completed.
type ActionStatus string

const (
	ActionOpen      ActionStatus = "open"
	ActionCompleted ActionStatus = "completed"
)

// ActionItem is a follow-up task extracted from a postmortem.
type ActionItem struct {
	ID          string       `json:"id"`
	IncidentID  string       `json:"incident_id"`
	Description string       `json:"description"`
	Priority    Priority     `json:"priority"`
	Category    string       `json:"category,omitempty"`
	Effort      string       `json:"estimated_effort,omitempty"`
	Status      ActionStatus `json:"status"`
	DueDate     string       `json:"due_date,omitempty"`
	TicketID    string       `json:"ticket_id,omitempty"`
	TicketURL   string       `json:"ticket_url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// SimilarIncident references a past incident surfaced by the knowledge index.
type SimilarIncident struct {
	IncidentID string   `json:"incident_id"`
	Title      string   `json:"title"`
	Severity   Severity `json:"severity"`
	Similarity float64  `json:"similarity"`
	Summary    string   `json:"summary"`
}

// Postmortem is the structured output of the postmortem capability.
type Postmortem struct {
	Document    string       `json:"document"`
	ActionItems []ActionItem `json:"action_items"`
	Lessons     []string     `json:"lessons_learned"`
}

// Incident is the canonical incident record.
type Incident struct {
	ID                 string            `json:"id"`
	AlertID            string            `json:"alert_id,omitempty"`
	Title              string            `json:"title"`
	Severity           Severity          `json:"severity"`
	Status             Status            `json:"status"`
	AffectedServices   []string          `json:"affected_services"`
	ErrorMessages      []string          `json:"error_messages"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Report             string            `json:"report,omitempty"`
	Postmortem         string            `json:"postmortem,omitempty"`
	LessonsLearned     []string          `json:"lessons_learned,omitempty"`
	SimilarIncidents   []SimilarIncident `json:"similar_incidents,omitempty"`
	ActionItems        []ActionItem      `json:"action_items,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ClosedAt           *time.Time        `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	cp.AffectedServices = slices.Clone(i.AffectedServices)
	cp.ErrorMessages = slices.Clone(i.ErrorMessages)
	cp.RecommendedActions = slices.Clone(i.RecommendedActions)
	cp.Metadata = maps.Clone(i.Metadata)
	cp.LessonsLearned = slices.Clone(i.LessonsLearned)
	cp.SimilarIncidents = slices.Clone(i.SimilarIncidents)
	cp.ActionItems = make([]ActionItem, len(i.ActionItems))
	for n := range i.ActionItems {
		cp.ActionItems[n] = i.ActionItems[n].Clone()
	}
	if i.ActionItems == nil {
		cp.ActionItems = nil
	}
	cp.ResolvedAt = cloneTime(i.ResolvedAt)
	cp.ClosedAt = cloneTime(i.ClosedAt)
	return &cp
}

// Clone returns a copy of the item that shares no pointers with the original.
func (a ActionItem) Clone() ActionItem {
	a.CompletedAt = cloneTime(a.CompletedAt)
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
