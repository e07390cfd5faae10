// Package knowledge indexes closed incidents as vectors and answers
// similarity queries over them. Storage is pluggable through VectorStore;
// embeddings come from an Embedder.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const (
	maxTitleLen      = 500
	maxPostmortemLen = 1000
	summaryLen       = 200
)

// ErrIndexUnavailable marks an unreachable vector store.
var ErrIndexUnavailable = fmt.Errorf("knowledge index unavailable: %w", incident.ErrCollaboratorUnavailable)

// Metadata is the filterable part of a record.
type Metadata struct {
	Title     string            `json:"title"`
	Severity  incident.Severity `json:"severity"`
	Status    incident.Status   `json:"status"`
	Services  string            `json:"services"` // comma separated
	CreatedAt string            `json:"created_at"`
}

// Record is one indexed incident. ID is the incident ID; re-indexing the
// same ID replaces the previous record.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata Metadata
}

// Match is a stored record and its distance from a query vector.
type Match struct {
	Record   Record
	Distance float64
}

// VectorStore persists records and answers nearest-neighbour queries.
// Query returns matches ordered by ascending distance; an empty severity
// matches every record.
type VectorStore interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vector []float32, limit int, severity incident.Severity) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// BuildRecord derives the searchable document and metadata for an incident.
// The vector is left empty for the Index to fill in.
func BuildRecord(inc *incident.Incident) Record {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", inc.Title)
	fmt.Fprintf(&b, "Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "Services: %s\n", strings.Join(inc.AffectedServices, ", "))
	fmt.Fprintf(&b, "Errors: %s\n", strings.Join(inc.ErrorMessages, "; "))
	if inc.Postmortem != "" {
		fmt.Fprintf(&b, "Postmortem: %s\n", truncate(inc.Postmortem, maxPostmortemLen))
	}
	if len(inc.LessonsLearned) > 0 {
		fmt.Fprintf(&b, "Lessons: %s\n", strings.Join(inc.LessonsLearned, "; "))
	}

	var created string
	if !inc.CreatedAt.IsZero() {
		created = inc.CreatedAt.UTC().Format(time.RFC3339)
	}
	return Record{
		ID:       inc.ID,
		Document: strings.TrimSpace(b.String()),
		Metadata: Metadata{
			Title:     truncate(inc.Title, maxTitleLen),
			Severity:  inc.Severity,
			Status:    inc.Status,
			Services:  strings.Join(inc.AffectedServices, ","),
			CreatedAt: created,
		},
	}
}

// summarize returns the first 200 characters of doc followed by "...".
func summarize(doc string) string {
	return truncate(doc, summaryLen) + "..."
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
