package intel

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const (
	maxSolutions      = 5
	minSolutionLength = 10
)

// Advisor implements incident.SolutionAdvisor.
type Advisor struct {
	llm Completer
}

// NewAdvisor returns an Advisor. With a nil llm it suggests nothing.
func NewAdvisor(llm Completer) *Advisor {
	return &Advisor{llm: llm}
}

// SuggestSolutions asks the model for remediation steps informed by similar incidents.
func (a *Advisor) SuggestSolutions(ctx context.Context, inc *incident.Incident, similar []incident.SimilarIncident) ([]string, error) {
	if a.llm == nil || len(similar) == 0 {
		return []string{}, nil
	}
	text, err := a.llm.Complete(ctx, systemPrompt, solutionPrompt(inc, similar))
	if err != nil {
		return nil, fmt.Errorf("suggest solutions: %w", err)
	}
	return ParseSolutions(text), nil
}

func solutionPrompt(inc *incident.Incident, similar []incident.SimilarIncident) string {
	var b strings.Builder
	b.WriteString("Suggest solutions for the current incident based on similar past incidents.\n\n")
	b.WriteString("CURRENT INCIDENT:\n")
	fmt.Fprintf(&b, "- Title: %s\n", inc.Title)
	fmt.Fprintf(&b, "- Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "- Services: %s\n", strings.Join(inc.AffectedServices, ", "))
	fmt.Fprintf(&b, "- Errors: %s\n", strings.Join(inc.ErrorMessages, ", "))
	b.WriteString("\nSIMILAR PAST INCIDENTS:\n")
	for _, s := range similar {
		fmt.Fprintf(&b, "- %s (Similarity: %.2f): %s\n", s.Title, s.Similarity, s.Summary)
	}
	b.WriteString("\nSuggest 3-5 specific actions, one per line, formatted as:\n- [Action description in one sentence]\n")
	return b.String()
}

// ParseSolutions keeps "-" or "•" bullets longer than ten characters, at most five.
func ParseSolutions(text string) []string {
	out := []string{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		var body string
		switch {
		case strings.HasPrefix(line, "-"):
			body = line[1:]
		case strings.HasPrefix(line, "•"):
			body = line[len("•"):]
		default:
			continue
		}
		body = strings.TrimSpace(body)
		if utf8.RuneCountInString(body) <= minSolutionLength {
			continue
		}
		out = append(out, body)
		if len(out) == maxSolutions {
			break
		}
	}
	return out
}
