package intel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

type stubCompleter struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
}

func (s *stubCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.text, s.err
}

func (s *stubCompleter) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

var errModel = errors.New("model unavailable")

func ptr(f float64) *float64 { return &f }

func sampleAlert() *incident.Alert {
	return &incident.Alert{
		Service:   "payments-api",
		Message:   "Error rate exceeded threshold: 12.3%",
		Metric:    "http_5xx_ratio",
		Current:   ptr(12.3),
		Threshold: ptr(5),
	}
}

func sampleIncident() *incident.Incident {
	return &incident.Incident{
		ID:                 "INC-20260314-0001",
		Title:              "High error rate on payments-api",
		Severity:           incident.Sev2,
		Status:             incident.StatusPostmortemInProgress,
		AffectedServices:   []string{"payments-api", "ledger"},
		ErrorMessages:      []string{"connection pool exhausted"},
		RecommendedActions: []string{"Scale pool"},
		Metadata:           map[string]string{"metric": "http_5xx_ratio", "team": "edge"},
		CreatedAt:          time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

var pmNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func TestParseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		sev      incident.Severity
		title    string
		services []string
		errs     []string
		actions  []string
	}{
		{
			name: "full",
			text: "SEVERITY: SEV1\nTITLE: Payments outage\nAFFECTED_SERVICES: payments-api, ledger\nSYMPTOMS: 5xx spike\nIMMEDIATE_ACTIONS: roll back, page db",
			sev:  incident.Sev1, title: "Payments outage",
			services: []string{"payments-api", "ledger"},
			errs:     []string{"5xx spike"},
			actions:  []string{"roll back", "page db"},
		},
		{
			name: "markdown decorations",
			text: "**SEVERITY:** sev2\n- **TITLE:** Slow checkout",
			sev:  incident.Sev2, title: "Slow checkout",
			services: []string{"payments-api"},
			errs:     []string{"Error rate exceeded threshold: 12.3%"},
			actions:  []string{},
		},
		{
			name: "invalid severity keeps default",
			text: "SEVERITY: SEV9\nAFFECTED_SERVICES: none",
			sev:  incident.Sev3, title: "Error rate exceeded threshold: 12.3%",
			services: []string{"payments-api"},
			errs:     []string{"Error rate exceeded threshold: 12.3%"},
			actions:  []string{},
		},
		{
			name: "garbage",
			text: "I cannot help with that.",
			sev:  incident.Sev3, title: "Error rate exceeded threshold: 12.3%",
			services: []string{"payments-api"},
			errs:     []string{"Error rate exceeded threshold: 12.3%"},
			actions:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := ParseClassification(tt.text, sampleAlert())
			assert.Equal(t, tt.sev, c.Severity)
			assert.Equal(t, tt.title, c.Title)
			assert.Equal(t, tt.services, c.AffectedServices)
			assert.Equal(t, tt.errs, c.ErrorMessages)
			assert.Equal(t, tt.actions, c.RecommendedActions)
		})
	}
}

func TestFallbackClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg string
		sev incident.Severity
	}{
		{"Database is DOWN", incident.Sev1},
		{"Health check failed", incident.Sev1},
		{"Request timeout on /pay", incident.Sev2},
		{"Elevated latency", incident.Sev3},
		{"Disk usage warning", incident.Sev3},
		{"Certificate renewed", incident.Sev4},
	}
	for _, tt := range tests {
		c := FallbackClassification(&incident.Alert{Service: "svc", Message: tt.msg})
		assert.Equal(t, tt.sev, c.Severity, tt.msg)
		assert.Equal(t, []string{"svc"}, c.AffectedServices)
		assert.True(t, strings.HasPrefix(c.Title, string(tt.sev)+": "), c.Title)
	}

	long := strings.Repeat("x", 80)
	c := FallbackClassification(&incident.Alert{Service: "svc", Message: long})
	assert.Equal(t, "SEV4: "+strings.Repeat("x", 50), c.Title)
}

func TestClassifier_Classify(t *testing.T) {
	t.Parallel()

	t.Run("uses model", func(t *testing.T) {
		t.Parallel()
		llm := &stubCompleter{text: "SEVERITY: SEV1\nTITLE: Payments down"}
		c, err := NewClassifier(llm, nil, true).Classify(context.Background(), sampleAlert())
		require.NoError(t, err)
		assert.Equal(t, incident.Sev1, c.Severity)
		assert.Contains(t, llm.lastPrompt(), "Service: payments-api")
		assert.Contains(t, llm.lastPrompt(), "Current Value: 12.3")
		assert.Contains(t, llm.lastPrompt(), "Environment: production")
	})

	t.Run("model failure with fallback", func(t *testing.T) {
		t.Parallel()
		c, err := NewClassifier(&stubCompleter{err: errModel}, nil, true).Classify(context.Background(), sampleAlert())
		require.NoError(t, err)
		assert.Equal(t, incident.Sev2, c.Severity)
	})

	t.Run("model failure without fallback", func(t *testing.T) {
		t.Parallel()
		_, err := NewClassifier(&stubCompleter{err: errModel}, nil, false).Classify(context.Background(), sampleAlert())
		assert.ErrorIs(t, err, errModel)
	})

	t.Run("no model", func(t *testing.T) {
		t.Parallel()
		c, err := NewClassifier(nil, nil, false).Classify(context.Background(), sampleAlert())
		require.NoError(t, err)
		assert.Equal(t, incident.Sev2, c.Severity)
	})
}

func TestReporter(t *testing.T) {
	t.Parallel()

	t.Run("model output gets header", func(t *testing.T) {
		t.Parallel()
		llm := &stubCompleter{text: "## Summary\nPayments failing."}
		got, err := NewReporter(llm, nil).Report(context.Background(), sampleIncident())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "# Incident Report: High error rate on payments-api"))
		assert.Contains(t, got, "Payments failing.")
		assert.Contains(t, llm.lastPrompt(), "Affected Services: payments-api, ledger")
	})

	for name, llm := range map[string]Completer{
		"model error": &stubCompleter{err: errModel},
		"empty reply": &stubCompleter{text: "  \n"},
		"no model":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := NewReporter(llm, nil).Report(context.Background(), sampleIncident())
			require.NoError(t, err)
			assert.Equal(t, TemplateReport(sampleIncident()), got)
		})
	}
}

func TestTemplateReport(t *testing.T) {
	t.Parallel()

	got := TemplateReport(sampleIncident())
	for _, want := range []string{
		"**Incident ID:** INC-20260314-0001",
		"**Severity:** SEV2",
		"**Detected:** 2026-03-14 09:26:53 UTC",
		"SEV2 incident affecting payments-api, ledger.",
		"- connection pool exhausted",
		"- metric: http_5xx_ratio\n- team: edge",
		"- Scale pool",
	} {
		assert.Contains(t, got, want)
	}

	bare := TemplateReport(&incident.Incident{ID: "INC-1", Title: "t", Severity: incident.Sev4})
	assert.Contains(t, bare, "- none recorded")
	assert.Contains(t, bare, "- Investigate alert")
	assert.NotContains(t, bare, "Alert Context")
}
