package email

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

var mailNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func activeIncident() *incident.Incident {
	return &incident.Incident{
		ID:               "INC-20260314-001",
		Title:            "High error rate on payments-api",
		Severity:         incident.Sev1,
		Status:           incident.StatusActive,
		AffectedServices: []string{"payments-api", "checkout"},
		Report:           "# Incident Report\n\nPayments failing for 40% of requests.\n\n## Timeline",
	}
}

func closedIncident() *incident.Incident {
	inc := activeIncident()
	inc.Status = incident.StatusClosed
	inc.LessonsLearned = []string{"Alert on pool saturation", "Load test failover"}
	inc.ActionItems = []incident.ActionItem{
		{Description: "Add pool alerting", Priority: incident.PriorityHigh, TicketID: "INC-1", TicketURL: "https://mock-jira.example.com/issue/INC-1"},
		{Description: "Document sizing", Priority: incident.PriorityLow},
	}
	return inc
}

type captured struct {
	mu   sync.Mutex
	msgs [][]byte
	cfg  Config
}

func newTestNotifier(t *testing.T, deliverErr error) (*Notifier, *captured) {
	t.Helper()
	n, err := New(Config{
		Host: "smtp.example.com",
		From: "Aftermath <aftermath@example.com>",
		To:   []string{"oncall@example.com", "sre@example.com"},
	}, log.Nop())
	require.NoError(t, err)
	c := &captured{}
	n.now = func() time.Time { return mailNow }
	n.deliver = func(_ context.Context, cfg Config, _ smtp.Auth, msg []byte) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cfg = cfg
		c.msgs = append(c.msgs, msg)
		return deliverErr
	}
	return n, c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"disabled", Config{}, ""},
		{"missing from", Config{Host: "smtp.example.com", To: []string{"a@example.com"}}, "from address"},
		{"missing recipients", Config{Host: "smtp.example.com", From: "a@example.com"}, "recipient"},
		{"valid", Config{Host: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, err := New(tt.cfg, nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 587, n.cfg.Port)
			assert.Equal(t, tt.cfg.Host != "", n.Enabled())
		})
	}
}

func TestNew_AuthOnlyWithCredentials(t *testing.T) {
	t.Parallel()

	base := Config{Host: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}}
	n, err := New(base, nil)
	require.NoError(t, err)
	assert.Nil(t, n.auth)

	base.Username, base.Password = "user", "secret"
	n, err = New(base, nil)
	require.NoError(t, err)
	assert.NotNil(t, n.auth)
}

func TestNotify_DisabledSendsNothing(t *testing.T) {
	t.Parallel()

	n, err := New(Config{}, nil)
	require.NoError(t, err)
	n.deliver = func(context.Context, Config, smtp.Auth, []byte) error {
		t.Error("deliver called on a disabled notifier")
		return nil
	}
	assert.NoError(t, n.Notify(context.Background(), activeIncident()))
}

func TestNotify_Activation(t *testing.T) {
	t.Parallel()

	n, c := newTestNotifier(t, nil)
	require.NoError(t, n.Notify(context.Background(), activeIncident()))

	require.Len(t, c.msgs, 1)
	msg := string(c.msgs[0])
	assert.Contains(t, msg, "From: Aftermath <aftermath@example.com>\r\n")
	assert.Contains(t, msg, "To: oncall@example.com, sre@example.com\r\n")
	assert.Contains(t, msg, "Subject: [SEV1] High error rate on payments-api\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=\"utf-8\"\r\n")
	assert.Contains(t, msg, "Date: Sat, 14 Mar 2026 09:30:00 +0000\r\n")
	assert.Contains(t, msg, "#d9534f")
	assert.Contains(t, msg, "Incident Alert: SEV1")
	assert.Contains(t, msg, "Payments failing for 40% of requests.")
	assert.Contains(t, msg, "payments-api, checkout")
	assert.NotContains(t, msg, "Postmortem Complete")
}

func TestNotify_Closure(t *testing.T) {
	t.Parallel()

	n, c := newTestNotifier(t, nil)
	require.NoError(t, n.Notify(context.Background(), closedIncident()))

	require.Len(t, c.msgs, 1)
	msg := string(c.msgs[0])
	assert.Contains(t, msg, "Subject: Postmortem Complete: INC-20260314-001 High error rate on payments-api\r\n")
	assert.Contains(t, msg, "<strong>Action items:</strong> 2")
	assert.Contains(t, msg, "<strong>Lessons learned:</strong> 2")
	assert.Contains(t, msg, `<a href="https://mock-jira.example.com/issue/INC-1">INC-1</a>`)
	assert.Contains(t, msg, "[LOW] Document sizing")
	assert.Contains(t, msg, "<li>Load test failover</li>")
}

func TestNotify_EscapesContent(t *testing.T) {
	t.Parallel()

	inc := activeIncident()
	inc.Title = "<script>alert(1)</script>\r\nBcc: victim@example.com"
	n, c := newTestNotifier(t, nil)
	require.NoError(t, n.Notify(context.Background(), inc))

	headers, body, ok := strings.Cut(string(c.msgs[0]), "\r\n\r\n")
	require.True(t, ok)
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "&lt;script&gt;")
}

func TestNotify_DeliveryError(t *testing.T) {
	t.Parallel()

	n, _ := newTestNotifier(t, errors.New("connection refused"))
	err := n.Notify(context.Background(), activeIncident())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: send")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"oncall@example.com":                "oncall@example.com",
		" oncall@example.com ":              "oncall@example.com",
		"Aftermath <aftermath@example.com>": "aftermath@example.com",
		"broken <aftermath@example.com":     "broken <aftermath@example.com",
		"<>":                                "<>",
	}
	for in, want := range tests {
		assert.Equal(t, want, extractAddress(in), "extractAddress(%q)", in)
	}
}

func TestFirstParagraph(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "body", firstParagraph("# Title\n\nbody\n\nmore"))
	assert.Empty(t, firstParagraph("# only a heading"))
	long := strings.Repeat("é", 600)
	got := firstParagraph(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, []rune(got), 503)
}

// fakeSMTP accepts one session and records the envelope and data.
type fakeSMTP struct {
	addr string
	done chan struct{}
	from string
	rcpt []string
	data string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	f := &fakeSMTP{addr: ln.Addr().String(), done: make(chan struct{})}
	go func() {
		defer close(f.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				f.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
				reply("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				f.rcpt = append(f.rcpt, strings.Trim(line[len("RCPT TO:"):], "<> "))
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				f.data = b.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()
	return f
}

func TestSendSTARTTLS_PlainServer(t *testing.T) {
	t.Parallel()

	srv := startFakeSMTP(t)
	host, port, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	n, err := New(Config{
		Host: host,
		Port: p,
		From: "Aftermath <aftermath@example.com>",
		To:   []string{"oncall@example.com", "SRE <sre@example.com>"},
	}, log.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, activeIncident()))

	select {
	case <-srv.done:
	case <-time.After(5 * time.Second):
		t.Fatal("smtp session did not finish")
	}
	assert.Equal(t, "aftermath@example.com", srv.from)
	assert.Equal(t, []string{"oncall@example.com", "sre@example.com"}, srv.rcpt)
	assert.Contains(t, srv.data, "Subject: [SEV1] High error rate on payments-api")
	assert.Contains(t, srv.data, "Incident Alert: SEV1")
}
