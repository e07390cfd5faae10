package intel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

// Writer implements incident.PostmortemWriter.
type Writer struct {
	llm      Completer
	logger   log.Logger
	now      func() time.Time
	fallback bool
}

// NewWriter returns a Writer. With fallback set, model failures produce a
// templated postmortem asking for manual completion instead of an error.
func NewWriter(llm Completer, logger log.Logger, fallback bool) *Writer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Writer{llm: llm, logger: logger, now: time.Now, fallback: fallback}
}

// WritePostmortem generates the document, action items and lessons.
func (w *Writer) WritePostmortem(ctx context.Context, inc *incident.Incident, similar []incident.SimilarIncident) (*incident.Postmortem, error) {
	if w.llm == nil {
		return FallbackPostmortem(inc, w.now()), nil
	}
	text, err := w.llm.Complete(ctx, systemPrompt, postmortemPrompt(inc, similar))
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("empty postmortem response")
	}
	if err != nil {
		if !w.fallback {
			return nil, err
		}
		w.logger.Warn(ctx, "postmortem model failed, using template", "incident_id", inc.ID, "error", err)
		return FallbackPostmortem(inc, w.now()), nil
	}

	items, lessons := ParsePostmortem(text)
	return &incident.Postmortem{
		Document:    FormatPostmortem(inc, text, w.now()),
		ActionItems: items,
		Lessons:     lessons,
	}, nil
}

func postmortemPrompt(inc *incident.Incident, similar []incident.SimilarIncident) string {
	var b strings.Builder
	b.WriteString("Write a detailed, blameless incident postmortem.\n\n")
	writeIncidentDetails(&b, inc)
	if len(similar) > 0 {
		b.WriteString("\nSIMILAR PAST INCIDENTS:\n")
		for i, s := range similar {
			if i == incident.SimilarLimit {
				break
			}
			fmt.Fprintf(&b, "- %s (%s, similarity %.2f): %s\n", s.Title, s.IncidentID, s.Similarity, s.Summary)
		}
	}
	b.WriteString(`
Use these sections:

## Executive Summary
## Timeline of Events
## Root Cause Analysis
## What Went Well
## What Went Wrong
## Action Items
One bullet per item, formatted as "- [HIGH|MEDIUM|LOW] description".
## Lessons Learned
One bullet per lesson.
## Preventive Measures

Focus on systems and processes, not individuals.
`)
	return b.String()
}

var priorityTag = regexp.MustCompile(`(?i)\[(HIGH|CRITICAL|MEDIUM|LOW)\]`)

// ParsePostmortem extracts action items and lessons. Action items come from
// "- " bullets under "## Action Items", with an optional [HIGH], [CRITICAL],
// [MEDIUM] or [LOW] tag defaulting to MEDIUM. If that section yields nothing,
// ACTION/PRIORITY/CATEGORY/ESTIMATED_EFFORT blocks anywhere in the text are
// used instead. Lessons are "- " bullets under "## Lessons Learned".
func ParsePostmortem(text string) ([]incident.ActionItem, []string) {
	items := []incident.ActionItem{}
	lessons := []string{}

	const (
		none = iota
		actionSection
		lessonSection
	)
	section := none
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "##") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#")))
			switch {
			case strings.HasPrefix(heading, "action items"):
				section = actionSection
			case strings.HasPrefix(heading, "lessons learned"):
				section = lessonSection
			default:
				section = none
			}
			continue
		}
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "•") {
			continue
		}
		body := strings.TrimSpace(strings.TrimLeft(line, "-•"))
		if body == "" {
			continue
		}
		switch section {
		case actionSection:
			if isActionField(body) {
				continue
			}
			if item, ok := bulletAction(body); ok {
				items = append(items, item)
			}
		case lessonSection:
			lessons = append(lessons, body)
		}
	}

	if len(items) == 0 {
		items = ParseActionBlocks(text)
	}
	return items, lessons
}

func isActionField(body string) bool {
	key, _, ok := field(body)
	if !ok {
		return false
	}
	switch key {
	case "ACTION", "PRIORITY", "CATEGORY", "ESTIMATED_EFFORT":
		return true
	}
	return false
}

func bulletAction(body string) (incident.ActionItem, bool) {
	priority := incident.PriorityMedium
	if m := priorityTag.FindStringSubmatch(body); m != nil {
		switch strings.ToUpper(m[1]) {
		case "HIGH", "CRITICAL":
			priority = incident.PriorityHigh
		case "LOW":
			priority = incident.PriorityLow
		}
		body = strings.TrimSpace(priorityTag.ReplaceAllString(body, ""))
	}
	if body == "" {
		return incident.ActionItem{}, false
	}
	return incident.ActionItem{Description: body, Priority: priority}, true
}

// ParseActionBlocks reads ACTION/PRIORITY/CATEGORY/ESTIMATED_EFFORT blocks.
// Each ACTION line starts a new item; priority defaults to MEDIUM, category
// to "other" and effort to "TBD".
func ParseActionBlocks(text string) []incident.ActionItem {
	items := []incident.ActionItem{}
	var cur *incident.ActionItem
	flush := func() {
		if cur != nil && cur.Description != "" {
			items = append(items, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := field(line)
		if !ok {
			continue
		}
		switch key {
		case "ACTION":
			flush()
			cur = &incident.ActionItem{
				Description: val,
				Priority:    incident.PriorityMedium,
				Category:    "other",
				Effort:      "TBD",
			}
		case "PRIORITY":
			if cur == nil {
				continue
			}
			switch p := incident.Priority(strings.ToUpper(val)); p {
			case incident.PriorityHigh, incident.PriorityMedium, incident.PriorityLow:
				cur.Priority = p
			}
		case "CATEGORY":
			if cur != nil && val != "" {
				cur.Category = strings.ToLower(val)
			}
		case "ESTIMATED_EFFORT":
			if cur != nil && val != "" {
				cur.Effort = val
			}
		}
	}
	flush()
	return items
}

// FormatPostmortem wraps model output with the incident header.
func FormatPostmortem(inc *incident.Incident, body string, now time.Time) string {
	var b strings.Builder
	writePostmortemHeader(&b, inc, now, "Incident Response Bot (AI-Generated)")
	b.WriteString("\n---\n\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "**Postmortem Completed:** %s\n", now.UTC().Format(time.RFC3339))
	return b.String()
}

// FallbackPostmortem is used when no model output is available. It carries a
// single HIGH item asking for a manual postmortem.
func FallbackPostmortem(inc *incident.Incident, now time.Time) *incident.Postmortem {
	var b strings.Builder
	writePostmortemHeader(&b, inc, now, "Incident Response Bot")

	b.WriteString("\n## Executive Summary\n")
	fmt.Fprintf(&b, "Incident %s affecting %s was detected and resolved.\n", inc.ID, joinOr(inc.AffectedServices, "unknown services"))

	b.WriteString("\n## Timeline\n")
	fmt.Fprintf(&b, "- Alert triggered for %s\n", inc.Title)
	b.WriteString("- Investigation initiated\n- Issue mitigated\n- Incident resolved\n")

	b.WriteString("\n## Root Cause\nTo be determined through manual investigation.\n")

	b.WriteString("\n## Impact\n")
	fmt.Fprintf(&b, "Services affected: %s\n", joinOr(inc.AffectedServices, "unknown"))
	fmt.Fprintf(&b, "Error messages: %s\n", joinOr(inc.ErrorMessages, "none recorded"))

	b.WriteString("\n## Action Items\n- [HIGH] Complete full postmortem analysis\n")
	b.WriteString("\n## Lessons Learned\n- AI postmortem generation failed - requires manual intervention\n")
	b.WriteString("\n---\n\n*Template postmortem. Manual review required.*\n")

	return &incident.Postmortem{
		Document: b.String(),
		ActionItems: []incident.ActionItem{{
			Description: "Complete full postmortem analysis",
			Priority:    incident.PriorityHigh,
			Category:    "process",
		}},
		Lessons: []string{"AI postmortem generation failed - requires manual intervention"},
	}
}

func writePostmortemHeader(b *strings.Builder, inc *incident.Incident, now time.Time, author string) {
	status := string(inc.Status)
	if status == "" || inc.Status == incident.StatusPostmortemInProgress {
		status = string(incident.StatusResolved)
	}
	fmt.Fprintf(b, "# Postmortem: %s\n\n", inc.Title)
	fmt.Fprintf(b, "**Incident ID:** %s\n", inc.ID)
	fmt.Fprintf(b, "**Date:** %s\n", now.UTC().Format(time.DateOnly))
	fmt.Fprintf(b, "**Severity:** %s\n", inc.Severity)
	fmt.Fprintf(b, "**Status:** %s\n", status)
	fmt.Fprintf(b, "**Author:** %s\n", author)
}
