// Package mock is a ticket.Creator that issues sequential fake identifiers.
// It is the default when no real tracker is configured.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/linnemanlabs/aftermath/internal/ticket"
)

// Creator hands out <PROJECT>-<n> identifiers, one counter per project.
type Creator struct {
	platform string
	project  string

	mu       sync.Mutex
	counters map[string]int
}

// New returns a Creator for the given platform (e.g. "jira") and project key.
func New(platform, project string) *Creator {
	if platform == "" {
		platform = "jira"
	}
	if project == "" {
		project = "INC"
	}
	return &Creator{
		platform: strings.ToLower(platform),
		project:  strings.ToUpper(project),
		counters: make(map[string]int),
	}
}

// Create never fails unless ctx is already done.
func (c *Creator) Create(ctx context.Context, req *ticket.Request) (*ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.Title == "" {
		return nil, fmt.Errorf("ticket title is required")
	}

	c.mu.Lock()
	c.counters[c.project]++
	n := c.counters[c.project]
	c.mu.Unlock()

	id := fmt.Sprintf("%s-%d", c.project, n)
	return &ticket.Ticket{
		ID:  id,
		URL: fmt.Sprintf("https://mock-%s.example.com/issue/%s", c.platform, id),
	}, nil
}

// Observe raises the project counter past an existing <PROJECT>-<n> ticket so
// a restarted process never reissues it. IDs of other projects are ignored.
func (c *Creator) Observe(ticketID string) {
	i := strings.LastIndex(ticketID, "-")
	if i <= 0 || ticketID[:i] != c.project {
		return
	}
	n, err := strconv.Atoi(ticketID[i+1:])
	if err != nil || n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.counters[c.project] {
		c.counters[c.project] = n
	}
}
