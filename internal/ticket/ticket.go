// Package ticket defines the ticketing capability used for action items.
package ticket

import "context"

// Request describes one ticket to open.
type Request struct {
	Title       string
	Description string
	Priority    string
	Labels      []string
	IncidentID  string
}

// Ticket identifies a created ticket.
type Ticket struct {
	ID  string
	URL string
}

// Creator opens tickets in an external tracker.
type Creator interface {
	Create(ctx context.Context, req *Request) (*Ticket, error)
}

// Observer is implemented by creators that number tickets locally and must
// learn about tickets issued before a restart.
type Observer interface {
	Observe(ticketID string)
}
