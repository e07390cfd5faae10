package intel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

// Reporter implements incident.Reporter. Without a model, or when the model
// fails, it renders a template from the incident fields.
type Reporter struct {
	llm    Completer
	logger log.Logger
}

// NewReporter returns a Reporter. llm may be nil.
func NewReporter(llm Completer, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Reporter{llm: llm, logger: logger}
}

// Report produces the initial incident report in markdown.
func (r *Reporter) Report(ctx context.Context, inc *incident.Incident) (string, error) {
	if r.llm == nil {
		return TemplateReport(inc), nil
	}
	text, err := r.llm.Complete(ctx, systemPrompt, reportPrompt(inc))
	if err != nil || strings.TrimSpace(text) == "" {
		r.logger.Warn(ctx, "report model failed, using template", "incident_id", inc.ID, "error", err)
		return TemplateReport(inc), nil
	}
	return fmt.Sprintf("# Incident Report: %s\n\n%s\n", inc.Title, strings.TrimSpace(text)), nil
}

func reportPrompt(inc *incident.Incident) string {
	var b strings.Builder
	b.WriteString("Write an initial incident report for responders.\n\n")
	writeIncidentDetails(&b, inc)
	b.WriteString("\nInclude these sections:\n")
	b.WriteString("## Summary\n## Impact\n## Current Status\n## Next Steps\n")
	b.WriteString("\nKeep it under 300 words. Do not speculate about root cause.\n")
	return b.String()
}

// TemplateReport renders a report from the incident fields alone.
func TemplateReport(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Incident Report: %s\n\n", inc.Title)
	fmt.Fprintf(&b, "**Incident ID:** %s\n", inc.ID)
	fmt.Fprintf(&b, "**Severity:** %s\n", inc.Severity)
	fmt.Fprintf(&b, "**Status:** %s\n", inc.Status)
	if !inc.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "**Detected:** %s\n", inc.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	b.WriteString("\n## Summary\n")
	fmt.Fprintf(&b, "%s incident affecting %s.\n", inc.Severity, joinOr(inc.AffectedServices, "unknown services"))

	b.WriteString("\n## Symptoms\n")
	for _, e := range orList(inc.ErrorMessages, "none recorded") {
		fmt.Fprintf(&b, "- %s\n", e)
	}

	if len(inc.Metadata) > 0 {
		b.WriteString("\n## Alert Context\n")
		keys := make([]string, 0, len(inc.Metadata))
		for k := range inc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, inc.Metadata[k])
		}
	}

	b.WriteString("\n## Recommended Actions\n")
	for _, a := range orList(inc.RecommendedActions, "Investigate alert") {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}

func writeIncidentDetails(b *strings.Builder, inc *incident.Incident) {
	b.WriteString("INCIDENT DETAILS:\n")
	fmt.Fprintf(b, "- Incident ID: %s\n", inc.ID)
	fmt.Fprintf(b, "- Title: %s\n", inc.Title)
	fmt.Fprintf(b, "- Severity: %s\n", inc.Severity)
	fmt.Fprintf(b, "- Status: %s\n", inc.Status)
	fmt.Fprintf(b, "- Affected Services: %s\n", strings.Join(inc.AffectedServices, ", "))
	fmt.Fprintf(b, "- Error Messages: %s\n", strings.Join(inc.ErrorMessages, ", "))
	fmt.Fprintf(b, "- Actions Taken: %s\n", strings.Join(inc.RecommendedActions, ", "))
}

func joinOr(items []string, def string) string {
	if len(items) == 0 {
		return def
	}
	return strings.Join(items, ", ")
}

func orList(items []string, def string) []string {
	if len(items) == 0 {
		return []string{def}
	}
	return items
}
