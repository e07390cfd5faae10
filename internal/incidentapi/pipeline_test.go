package incidentapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/aftermath/internal/actions"
	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/incidentapi"
	"github.com/linnemanlabs/aftermath/internal/intel"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
	"github.com/linnemanlabs/aftermath/internal/knowledge/memstore"
	"github.com/linnemanlabs/aftermath/internal/session"
	"github.com/linnemanlabs/aftermath/internal/ticket"
	"github.com/linnemanlabs/aftermath/internal/ticket/mock"
)

const postmortemText = `## Executive Summary
The payments pool was exhausted.

## Action Items
- [HIGH] Add connection pool alerting
- [HIGH] Fail over runbook
- [LOW] Document pool sizing

## Lessons Learned
- Pool saturation precedes 5xx
`

type cannedCompleter struct {
	text string
	err  error
}

func (c cannedCompleter) Complete(context.Context, string, string) (string, error) {
	return c.text, c.err
}

// failingTickets fails every request whose title contains failOn.
type failingTickets struct {
	mu     sync.Mutex
	failOn string
	inner  ticket.Creator
	calls  int
}

func (f *failingTickets) Create(ctx context.Context, req *ticket.Request) (*ticket.Ticket, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if strings.Contains(req.Title, f.failOn) {
		return nil, errors.New("tracker returned 503")
	}
	return f.inner.Create(ctx, req)
}

func newPipeline(t *testing.T, classifier incident.Classifier) (http.Handler, *failingTickets) {
	t.Helper()

	tickets := &failingTickets{failOn: "Fail over", inner: mock.New("jira", "OPS")}
	index := knowledge.NewIndex(memstore.New(), nil, log.Nop(), knowledge.WithDimension(128))
	svc := incident.NewService(session.New(session.NewMemoryBackend()), incident.Collaborators{
		Classifier:  classifier,
		Reporter:    intel.NewReporter(nil, nil),
		Postmortems: intel.NewWriter(cannedCompleter{text: postmortemText}, nil, true),
		Advisor:     intel.NewAdvisor(cannedCompleter{text: "- Raise the payments pool limit"}),
		Knowledge:   index,
		Actions:     actions.NewTracker(tickets, log.Nop()),
	}, log.Nop(), incident.Hooks{})

	r := chi.NewRouter()
	incidentapi.New(log.Nop(), svc).RegisterRoutes(r)
	return r, tickets
}

func call(t *testing.T, h http.Handler, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

const alertBody = `{"service":"api-gateway","message":"Error rate exceeded threshold: 12.3%","metric":"http_5xx_ratio","current":12.3,"threshold":5}`

func TestPipeline_IncidentLifecycle(t *testing.T) {
	t.Parallel()

	h, tickets := newPipeline(t, intel.NewClassifier(nil, nil, true))

	var submitted incident.SubmitResult
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/v1/alerts", alertBody, &submitted))
	assert.Equal(t, incident.ResultActive, submitted.Status)
	assert.Equal(t, incident.Sev2, submitted.Severity)
	first := submitted.IncidentID

	var resolved incident.Incident
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/incidents/"+first+"/resolve", "", &resolved))
	assert.Equal(t, incident.StatusResolved, resolved.Status)

	// empty knowledge index, ticket 2 of 3 fails
	var raw map[string]json.RawMessage
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/incidents/"+first+"/postmortem", "", &raw))
	assert.JSONEq(t, `[]`, string(raw["similar_incidents"]))
	assert.JSONEq(t, `"completed"`, string(raw["status"]))

	var items []incident.ActionItem
	require.NoError(t, json.Unmarshal(raw["action_items"], &items))
	require.Len(t, items, 3)
	assert.NotEmpty(t, items[0].TicketID)
	assert.Empty(t, items[1].TicketID)
	assert.NotEmpty(t, items[2].TicketID)
	assert.Equal(t, 3, tickets.calls)

	var closed incident.Incident
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/incidents/"+first, "", &closed))
	assert.Equal(t, incident.StatusClosed, closed.Status)
	assert.Len(t, closed.ActionItems, 3)
	assert.Equal(t, []string{"Pool saturation precedes 5xx"}, closed.LessonsLearned)

	// a closed incident cannot be postmortemed again
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPost, "/api/v1/incidents/"+first+"/postmortem", "", nil))

	// the second, identical incident finds the first
	var second incident.SubmitResult
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/v1/alerts", alertBody, &second))
	assert.Greater(t, second.IncidentID, first)

	var solutions incident.SolutionsResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/incidents/"+second.IncidentID+"/solutions", "", &solutions))
	assert.Equal(t, []string{"Raise the payments pool limit"}, solutions.Solutions)

	var pm incident.PostmortemResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/incidents/"+second.IncidentID+"/postmortem", "", &pm))
	require.NotEmpty(t, pm.SimilarIncidents)
	assert.Equal(t, first, pm.SimilarIncidents[0].IncidentID)

	var kr incident.KnowledgeResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/knowledge?q=Error+rate+exceeded+threshold&limit=5", "", &kr))
	assert.Equal(t, 2, kr.Count)
	for _, r := range kr.Results {
		assert.GreaterOrEqual(t, r.Similarity, 0.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
	}

	var all struct {
		ActionItems []incident.ActionItem `json:"action_items"`
		Count       int                   `json:"count"`
	}
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/actions", "", &all))
	assert.Equal(t, 6, all.Count)

	var done incident.ActionItem
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/actions/"+items[0].ID+"/complete", "", &done))
	assert.Equal(t, incident.ActionCompleted, done.Status)
}

func TestPipeline_ClassifierOutage(t *testing.T) {
	t.Parallel()

	outage := intel.NewClassifier(cannedCompleter{err: errors.New("connection refused")}, nil, false)
	h, _ := newPipeline(t, outage)

	var res incident.SubmitResult
	require.Equal(t, http.StatusUnprocessableEntity, call(t, h, http.MethodPost, "/api/v1/alerts", alertBody, &res))
	assert.Equal(t, incident.ResultError, res.Status)
	assert.Equal(t, incident.StepClassify, res.FailedStep)
	require.NotEmpty(t, res.IncidentID)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/v1/incidents/"+res.IncidentID, "", nil))

	var list struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/incidents", "", &list))
	assert.Zero(t, list.Count)
}
