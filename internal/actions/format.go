package actions

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const maxTitleDescription = 80

// TicketTitle is "[PRIORITY] " followed by the first 80 characters of the description.
func TicketTitle(item incident.ActionItem) string {
	desc := item.Description
	if utf8.RuneCountInString(desc) > maxTitleDescription {
		desc = string([]rune(desc)[:maxTitleDescription])
	}
	return fmt.Sprintf("[%s] %s", item.Priority, desc)
}

// TicketLabels tags a ticket with its incident, priority and category.
func TicketLabels(item incident.ActionItem) []string {
	category := strings.ToLower(strings.TrimSpace(item.Category))
	if category == "" {
		category = "other"
	}
	return []string{
		"incident-" + item.IncidentID,
		"priority-" + strings.ToLower(string(item.Priority)),
		"category-" + category,
	}
}

// TicketDescription renders the markdown ticket body.
func TicketDescription(item incident.ActionItem, created time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Action Item from Incident %s\n\n", item.IncidentID)
	fmt.Fprintf(&b, "## Description\n%s\n\n", item.Description)

	b.WriteString("## Details\n")
	fmt.Fprintf(&b, "- **Priority:** %s\n", item.Priority)
	fmt.Fprintf(&b, "- **Category:** %s\n", orDefault(item.Category, "N/A"))
	fmt.Fprintf(&b, "- **Estimated Effort:** %s\n", orDefault(item.Effort, "N/A"))
	if item.DueDate != "" {
		fmt.Fprintf(&b, "- **Due:** %s\n", item.DueDate)
	}
	fmt.Fprintf(&b, "- **Incident:** %s\n", item.IncidentID)
	fmt.Fprintf(&b, "- **Created:** %s\n\n", created.Format(time.RFC3339))

	b.WriteString("## Context\n")
	fmt.Fprintf(&b, "This action item was identified during the postmortem analysis of incident %s.\n\n", item.IncidentID)

	b.WriteString("## Acceptance Criteria\n")
	b.WriteString("- [ ] Action item completed as described\n")
	b.WriteString("- [ ] Changes tested and verified\n")
	b.WriteString("- [ ] Documentation updated if necessary\n\n")

	b.WriteString("---\n*Created automatically by aftermath*\n")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
