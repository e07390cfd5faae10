// Package github opens action item tickets as GitHub issues.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"

	"github.com/linnemanlabs/aftermath/internal/ticket"
)

// Config selects the repository and credentials.
type Config struct {
	Token string
	Repo  string // owner/name
	// BaseURL overrides the API endpoint, e.g. for GitHub Enterprise.
	BaseURL string
}

// Creator is a ticket.Creator backed by the GitHub Issues API.
type Creator struct {
	client *github.Client
	owner  string
	repo   string
}

// New builds a Creator. The context scopes the OAuth2 HTTP client.
func New(ctx context.Context, cfg Config) (*Creator, error) {
	if cfg.Token == "" {
		return nil, errors.New("github: token is required")
	}
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github: repo %q must be owner/name", cfg.Repo)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Creator{client: client, owner: owner, repo: repo}, nil
}

// Create opens one issue. The ticket ID is owner/repo#number.
func (c *Creator) Create(ctx context.Context, req *ticket.Request) (*ticket.Ticket, error) {
	if req == nil || req.Title == "" {
		return nil, errors.New("github: issue title is required")
	}
	labels := append([]string{}, req.Labels...)
	issue, _, err := c.client.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
		Title:  github.String(req.Title),
		Body:   github.String(req.Description),
		Labels: &labels,
	})
	if err != nil {
		return nil, fmt.Errorf("github: create issue: %w", err)
	}
	return &ticket.Ticket{
		ID:  fmt.Sprintf("%s/%s#%d", c.owner, c.repo, issue.GetNumber()),
		URL: issue.GetHTMLURL(),
	}, nil
}
