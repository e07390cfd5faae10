package incident

import "errors"

// Error taxonomy. Match with errors.Is.
var (
	// ErrValidation marks malformed alert or incident input, rejected before any state mutation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown incident or action item.
	ErrNotFound = errors.New("not found")

	// ErrCollaboratorUnavailable marks an unreachable classification, postmortem,
	// ticketing, embedding or index backend.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrPersistence marks a session store read or write failure.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidTransition marks a lifecycle move that would go backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Pipeline step names, used in results, logs, spans and metrics.
const (
	StepValidate   = "validate"
	StepClassify   = "classify"
	StepReport     = "report"
	StepPersist    = "persist"
	StepLoad       = "load"
	StepSearch     = "search"
	StepPostmortem = "postmortem"
	StepTickets    = "tickets"
	StepIndex      = "index"
	StepNotify     = "notify"
)
