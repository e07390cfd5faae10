package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// apiStub records requests and replies with a fixed status and body.
type apiStub struct {
	mu     sync.Mutex
	reqs   []seenRequest
	status int
	body   string
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, seenRequest{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	status, reply := s.status, s.body
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (s *apiStub) last(t *testing.T) seenRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs, "no request reached the server")
	return s.reqs[len(s.reqs)-1]
}

func newStub(t *testing.T, status int, body string) (*apiStub, *httptest.Server) {
	t.Helper()
	stub := &apiStub{status: status, body: body}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv
}

func runCLI(t *testing.T, env map[string]string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, func(k string) string { return env[k] })
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmit_FromFlags(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusCreated, `{"incident_id":"INC-20260315-0001","status":"active","severity":"SEV2","message":"ok"}`)

	out, err := runCLI(t, nil, "",
		"--server", srv.URL, "--token", "s3cret",
		"submit", "--service", "payments", "--message", "p99 latency above 2s",
		"--current", "2.4", "--threshold", "2", "--label", "team=payments", "--label", "region=eu",
	)
	require.NoError(t, err)

	req := stub.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/alerts", req.Path)
	assert.Equal(t, "Bearer s3cret", req.Auth)
	assert.Equal(t, "payments", req.Body["service"])
	assert.Equal(t, "p99 latency above 2s", req.Body["message"])
	assert.InDelta(t, 2.4, req.Body["current"], 1e-9)
	assert.InDelta(t, 2.0, req.Body["threshold"], 1e-9)
	assert.Equal(t, map[string]any{"team": "payments", "region": "eu"}, req.Body["labels"])
	assert.NotContains(t, req.Body, "metric", "unset flags must not be sent")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "INC-20260315-0001", got["incident_id"])
}

func TestSubmit_FromYAMLFileWithOverrides(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusCreated, `{"incident_id":"INC-1","status":"active","message":"ok"}`)

	path := filepath.Join(t.TempDir(), "alert.yaml")
	doc := "service: checkout\nmessage: error rate 12%\nlabels:\n  team: web\nenvironment: staging\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := runCLI(t, nil, "", "--server", srv.URL, "submit", "-f", path, "--environment", "production", "--label", "oncall=alice")
	require.NoError(t, err)

	body := stub.last(t).Body
	assert.Equal(t, "checkout", body["service"])
	assert.Equal(t, "production", body["environment"])
	assert.Equal(t, map[string]any{"team": "web", "oncall": "alice"}, body["labels"])
}

func TestSubmit_FromStdinJSON(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusCreated, `{"incident_id":"INC-1","status":"active","message":"ok"}`)

	_, err := runCLI(t, nil, `{"service":"db","message":"replication lag"}`, "--server", srv.URL, "submit", "-f", "-")
	require.NoError(t, err)
	assert.Equal(t, "db", stub.last(t).Body["service"])
}

func TestSubmit_BadLabel(t *testing.T) {
	t.Parallel()

	_, srv := newStub(t, http.StatusCreated, `{}`)
	_, err := runCLI(t, nil, "", "--server", srv.URL, "submit", "--service", "x", "--message", "y", "--label", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestStructuredFailureIsPrinted(t *testing.T) {
	t.Parallel()

	_, srv := newStub(t, http.StatusUnprocessableEntity,
		`{"incident_id":"INC-1","status":"error","failed_step":"postmortem","message":"model unavailable","action_items":[],"lessons_learned":[],"similar_incidents":[]}`)

	out, err := runCLI(t, nil, "", "--server", srv.URL, "-o", "json", "postmortem", "INC-1")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, err.Error(), "model unavailable")
	assert.Contains(t, out, `"failed_step": "postmortem"`)
}

func TestPlainErrorIsNotPrinted(t *testing.T) {
	t.Parallel()

	_, srv := newStub(t, http.StatusNotFound, `{"error":"incident not found"}`)

	out, err := runCLI(t, nil, "", "--server", srv.URL, "get", "INC-404")
	require.Error(t, err)
	assert.Equal(t, "server returned 404: incident not found", err.Error())
	assert.Empty(t, out)
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantVerb  string
		wantPath  string
		wantQuery string
	}{
		{"list", []string{"list"}, http.MethodGet, "/api/v1/incidents", ""},
		{"get", []string{"get", "INC-1"}, http.MethodGet, "/api/v1/incidents/INC-1", ""},
		{"get escapes id", []string{"get", "a/b"}, http.MethodGet, "/api/v1/incidents/a%2Fb", ""},
		{"resolve", []string{"resolve", "INC-1"}, http.MethodPost, "/api/v1/incidents/INC-1/resolve", ""},
		{"postmortem", []string{"postmortem", "INC-1"}, http.MethodPost, "/api/v1/incidents/INC-1/postmortem", ""},
		{"solutions", []string{"solutions", "INC-1"}, http.MethodGet, "/api/v1/incidents/INC-1/solutions", ""},
		{"search", []string{"search", "db", "timeout", "-n", "3", "--severity", "sev1"}, http.MethodGet, "/api/v1/knowledge", "limit=3&q=db+timeout&severity=SEV1"},
		{"actions all", []string{"actions"}, http.MethodGet, "/api/v1/actions", ""},
		{"actions incident", []string{"actions", "INC-1"}, http.MethodGet, "/api/v1/incidents/INC-1/actions", ""},
		{"overdue", []string{"overdue"}, http.MethodGet, "/api/v1/actions/overdue", ""},
		{"overdue at", []string{"overdue", "--at", "2026-04-01T00:00:00Z"}, http.MethodGet, "/api/v1/actions/overdue", "now=2026-04-01T00%3A00%3A00Z"},
		{"complete", []string{"complete", "01JABC"}, http.MethodPost, "/api/v1/actions/01JABC/complete", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stub, srv := newStub(t, http.StatusOK, `{"status":"success"}`)
			_, err := runCLI(t, nil, "", append([]string{"--server", srv.URL}, tt.args...)...)
			require.NoError(t, err)
			req := stub.last(t)
			assert.Equal(t, tt.wantVerb, req.Method)
			assert.Equal(t, tt.wantPath, req.Path)
			assert.Equal(t, tt.wantQuery, req.Query)
		})
	}
}

func TestTrack(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusCreated, `{"incident_id":"INC-1","status":"success","action_items":[],"ticketed":0}`)
	items := "- description: Add connection pool alerts\n  priority: HIGH\n- description: Document failover\n"

	_, err := runCLI(t, nil, items, "--server", srv.URL, "track", "INC-1", "-f", "-")
	require.NoError(t, err)

	req := stub.last(t)
	assert.Equal(t, "/api/v1/incidents/INC-1/actions", req.Path)
	list, ok := req.Body["action_items"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "HIGH", list[0].(map[string]any)["priority"])
}

func TestTrack_Errors(t *testing.T) {
	t.Parallel()

	_, srv := newStub(t, http.StatusCreated, `{}`)

	_, err := runCLI(t, nil, "", "--server", srv.URL, "track", "INC-1")
	require.ErrorContains(t, err, "--file is required")

	_, err = runCLI(t, nil, "description: not a list\n", "--server", srv.URL, "track", "INC-1", "-f", "-")
	require.ErrorContains(t, err, "expected a list")
}

func TestOverdue_BadTime(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusOK, `{}`)
	_, err := runCLI(t, nil, "", "--server", srv.URL, "overdue", "--at", "yesterday")
	require.ErrorContains(t, err, "RFC 3339")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Empty(t, stub.reqs)
}

func TestEnvDefaults(t *testing.T) {
	t.Parallel()

	stub, srv := newStub(t, http.StatusOK, `{"incidents":[],"count":0}`)
	env := map[string]string{"AFTERMATH_SERVER": srv.URL + "/", "AFTERMATH_API_TOKEN": "from-env"}

	out, err := runCLI(t, env, "", "list")
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-env", stub.last(t).Auth)
	assert.Equal(t, "/api/v1/incidents", stub.last(t).Path)
	assert.Equal(t, "count: 0\nincidents: []\n", out)
}

func TestInvalidServer(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, nil, "", "--server", "localhost", "list")
	require.ErrorContains(t, err, "invalid server url")
}

func TestRender(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatJSON, []byte(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, render(&buf, formatYAML, []byte(`{"b":[1,2],"a":"x"}`)))
	assert.True(t, strings.HasPrefix(buf.String(), "a: x\nb:\n"), "keys sorted: %q", buf.String())
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, []any{1, 2}, back["b"])

	buf.Reset()
	require.NoError(t, render(&buf, formatYAML, nil))
	assert.Empty(t, buf.String())

	require.Error(t, render(&buf, "toml", []byte(`{}`)))
}
