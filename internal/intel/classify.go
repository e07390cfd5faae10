package intel

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

// Classifier implements incident.Classifier.
type Classifier struct {
	llm      Completer
	logger   log.Logger
	fallback bool
}

// NewClassifier returns a Classifier. With fallback set, model failures are
// answered by keyword rules instead of an error; a nil llm always uses the rules.
func NewClassifier(llm Completer, logger log.Logger, fallback bool) *Classifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{llm: llm, logger: logger, fallback: fallback}
}

// Classify derives severity, title and affected services from an alert.
func (c *Classifier) Classify(ctx context.Context, al *incident.Alert) (*incident.Classification, error) {
	if c.llm == nil {
		return FallbackClassification(al), nil
	}
	text, err := c.llm.Complete(ctx, systemPrompt, classificationPrompt(al))
	if err != nil {
		if !c.fallback {
			return nil, err
		}
		c.logger.Warn(ctx, "classification model failed, using keyword rules", "service", al.Service, "error", err)
		return FallbackClassification(al), nil
	}
	return ParseClassification(text, al), nil
}

func classificationPrompt(al *incident.Alert) string {
	env := al.Environment
	if env == "" {
		env = "production"
	}
	var b strings.Builder
	b.WriteString("Analyze this production alert.\n\n")
	b.WriteString("SEVERITY GUIDELINES:\n")
	b.WriteString("- SEV1 (Critical): complete outage, all customers affected\n")
	b.WriteString("- SEV2 (High): partial degradation, significant impact, workaround exists\n")
	b.WriteString("- SEV3 (Medium): minor impact, limited customers affected\n")
	b.WriteString("- SEV4 (Low): cosmetic or monitoring-only, no customer impact\n\n")
	b.WriteString("ALERT:\n")
	fmt.Fprintf(&b, "Service: %s\n", al.Service)
	fmt.Fprintf(&b, "Message: %s\n", al.Message)
	fmt.Fprintf(&b, "Metric: %s\n", orNA(al.Metric))
	fmt.Fprintf(&b, "Current Value: %s\n", floatOrNA(al.Current))
	fmt.Fprintf(&b, "Threshold: %s\n", floatOrNA(al.Threshold))
	fmt.Fprintf(&b, "Environment: %s\n\n", env)
	b.WriteString("Respond in exactly this format:\n\n")
	b.WriteString("SEVERITY: [SEV1|SEV2|SEV3|SEV4]\n")
	b.WriteString("TITLE: [concise incident title in 5-10 words]\n")
	b.WriteString("AFFECTED_SERVICES: [comma-separated services]\n")
	b.WriteString("SYMPTOMS: [key symptoms and error messages]\n")
	b.WriteString("IMMEDIATE_ACTIONS: [comma-separated first steps]\n")
	return b.String()
}

// ParseClassification reads the SEVERITY/TITLE/AFFECTED_SERVICES/SYMPTOMS/
// IMMEDIATE_ACTIONS grammar. Missing or invalid fields keep their defaults:
// SEV3, the alert message as title and error, and the alert service.
func ParseClassification(text string, al *incident.Alert) *incident.Classification {
	c := &incident.Classification{
		Severity:           incident.Sev3,
		Title:              al.Message,
		AffectedServices:   []string{al.Service},
		ErrorMessages:      []string{al.Message},
		RecommendedActions: []string{},
	}
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := field(line)
		if !ok {
			continue
		}
		switch key {
		case "SEVERITY":
			if s := incident.Severity(strings.ToUpper(val)); s.Valid() {
				c.Severity = s
			}
		case "TITLE":
			if val != "" {
				c.Title = val
			}
		case "AFFECTED_SERVICES":
			if val != "" && !strings.EqualFold(val, "none") {
				if svcs := splitList(val); len(svcs) > 0 {
					c.AffectedServices = svcs
				}
			}
		case "SYMPTOMS":
			if val != "" {
				c.ErrorMessages = []string{val}
			}
		case "IMMEDIATE_ACTIONS":
			if val != "" {
				c.RecommendedActions = splitList(val)
			}
		}
	}
	return c
}

var severityKeywords = []struct {
	sev   incident.Severity
	words []string
}{
	{incident.Sev1, []string{"down", "outage", "critical", "failed"}},
	{incident.Sev2, []string{"high", "degraded", "timeout", "error"}},
	{incident.Sev3, []string{"warning", "elevated"}},
}

// FallbackClassification classifies by keywords in the alert message.
func FallbackClassification(al *incident.Alert) *incident.Classification {
	msg := strings.ToLower(al.Message)
	sev := incident.Sev4
	for _, rule := range severityKeywords {
		if containsAny(msg, rule.words) {
			sev = rule.sev
			break
		}
	}
	return &incident.Classification{
		Severity:           sev,
		Title:              fmt.Sprintf("%s: %s", sev, prefix(al.Message, 50)),
		AffectedServices:   []string{al.Service},
		ErrorMessages:      []string{al.Message},
		RecommendedActions: []string{"Investigate alert", "Check service health", "Review recent changes"},
	}
}

// field splits "KEY: value", tolerating list markers and bold markup around the key.
func field(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-•* ")
	k, v, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	k = strings.Trim(strings.TrimSpace(k), "*")
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "**"))
	return strings.ToUpper(k), v, true
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func floatOrNA(f *float64) string {
	if f == nil {
		return "N/A"
	}
	return fmt.Sprintf("%g", *f)
}
