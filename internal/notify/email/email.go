// Package email sends incident notifications as HTML mail over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const dialTimeout = 10 * time.Second

// Config holds SMTP settings. An empty Host disables sending.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// deliverFunc hands a rendered message to the mail server.
type deliverFunc func(ctx context.Context, cfg Config, auth smtp.Auth, msg []byte) error

// Notifier implements incident.Notifier over SMTP.
type Notifier struct {
	cfg     Config
	auth    smtp.Auth
	logger  log.Logger
	now     func() time.Time
	deliver deliverFunc
}

// New validates cfg and returns a Notifier. With an empty Host, Notify is a no-op.
func New(cfg Config, logger log.Logger) (*Notifier, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Host != "" {
		if cfg.From == "" {
			return nil, errors.New("email: from address is required when smtp host is set")
		}
		if len(cfg.To) == 0 {
			return nil, errors.New("email: at least one recipient is required when smtp host is set")
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Notifier{
		cfg:     cfg,
		auth:    auth,
		logger:  logger,
		now:     time.Now,
		deliver: sendSTARTTLS,
	}, nil
}

// Enabled reports whether an SMTP host is configured.
func (n *Notifier) Enabled() bool { return n.cfg.Host != "" }

// Notify mails an activation notice for open incidents and a postmortem
// summary once the incident is closed.
func (n *Notifier) Notify(ctx context.Context, inc *incident.Incident) error {
	if !n.Enabled() {
		return nil
	}
	subject, body, err := render(inc, n.now().UTC())
	if err != nil {
		return fmt.Errorf("email: render: %w", err)
	}
	msg := n.buildMessage(subject, body)
	if err := n.deliver(ctx, n.cfg, n.auth, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	n.logger.Info(ctx, "email notification sent",
		"incident_id", inc.ID,
		"status", string(inc.Status),
		"recipients", len(n.cfg.To),
	)
	return nil
}

func (n *Notifier) buildMessage(subject string, body []byte) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", headerSafe(n.cfg.From))
	fmt.Fprintf(&msg, "To: %s\r\n", headerSafe(strings.Join(n.cfg.To, ", ")))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(subject)))
	fmt.Fprintf(&msg, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.Write(body)
	return msg.Bytes()
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// sendSTARTTLS delivers msg to every recipient, upgrading to TLS when the
// server offers it.
func sendSTARTTLS(ctx context.Context, cfg Config, auth smtp.Auth, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(extractAddress(cfg.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range cfg.To {
		if err := client.Rcpt(extractAddress(rcpt)); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

// extractAddress returns the bare address from "Name <addr@example.com>".
func extractAddress(address string) string {
	if i := strings.Index(address, "<"); i != -1 {
		if j := strings.Index(address[i:], ">"); j > 1 {
			return address[i+1 : i+j]
		}
	}
	return strings.TrimSpace(address)
}

type view struct {
	ID          string
	Title       string
	Severity    string
	Color       string
	Status      string
	Services    string
	Summary     string
	ActionItems int
	Lessons     []string
	Tickets     []ticketView
	Time        string
}

type ticketView struct {
	Description string
	Priority    string
	TicketID    string
	TicketURL   string
}

func render(inc *incident.Incident, now time.Time) (string, []byte, error) {
	v := view{
		ID:          inc.ID,
		Title:       inc.Title,
		Severity:    string(inc.Severity),
		Color:       severityColor(inc.Severity),
		Status:      string(inc.Status),
		Services:    strings.Join(inc.AffectedServices, ", "),
		Summary:     firstParagraph(inc.Report),
		ActionItems: len(inc.ActionItems),
		Lessons:     inc.LessonsLearned,
		Time:        now.Format("2006-01-02 15:04:05 MST"),
	}
	if v.Services == "" {
		v.Services = "unknown"
	}
	for _, it := range inc.ActionItems {
		v.Tickets = append(v.Tickets, ticketView{
			Description: it.Description,
			Priority:    string(it.Priority),
			TicketID:    it.TicketID,
			TicketURL:   it.TicketURL,
		})
	}

	tmpl, subject := activationTmpl, fmt.Sprintf("[%s] %s", inc.Severity, inc.Title)
	if inc.Status == incident.StatusClosed {
		tmpl, subject = closureTmpl, fmt.Sprintf("Postmortem Complete: %s %s", inc.ID, inc.Title)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", nil, err
	}
	return subject, buf.Bytes(), nil
}

// firstParagraph picks the first non-heading block of a markdown report.
func firstParagraph(report string) string {
	for _, block := range strings.Split(report, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "#") {
			continue
		}
		const limit = 500
		if r := []rune(block); len(r) > limit {
			return string(r[:limit]) + "..."
		}
		return block
	}
	return ""
}

func severityColor(sev incident.Severity) string {
	switch sev {
	case incident.Sev1:
		return "#d9534f"
	case incident.Sev2:
		return "#f0ad4e"
	case incident.Sev3:
		return "#5bc0de"
	case incident.Sev4:
		return "#5cb85c"
	default:
		return "#777777"
	}
}

const pageStyle = `<style>
body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 600px; margin: 0 auto; padding: 20px; }
.header { color: white; padding: 20px; border-radius: 5px; }
.content { background-color: #f9f9f9; padding: 20px; margin-top: 20px; border-radius: 5px; }
.footer { margin-top: 20px; padding: 10px; text-align: center; color: #777; font-size: 12px; }
</style>`

var activationTmpl = template.Must(template.New("activation").Parse(`<!DOCTYPE html>
<html>
<head>` + pageStyle + `</head>
<body>
<div class="container">
<div class="header" style="background-color: {{.Color}};">
<h1>Incident Alert: {{.Severity}}</h1>
<p><strong>{{.ID}}</strong></p>
</div>
<div class="content">
<h2>{{.Title}}</h2>
{{if .Summary}}<p>{{.Summary}}</p>{{end}}
<p><strong>Services:</strong> {{.Services}}</p>
<p><strong>Status:</strong> {{.Status}}, investigation in progress</p>
<p><strong>Detected:</strong> {{.Time}}</p>
</div>
<div class="footer"><p>Automated notification from aftermath</p></div>
</div>
</body>
</html>
`))

var closureTmpl = template.Must(template.New("closure").Parse(`<!DOCTYPE html>
<html>
<head>` + pageStyle + `</head>
<body>
<div class="container">
<div class="header" style="background-color: #5cb85c;">
<h1>Postmortem Complete</h1>
<p><strong>{{.ID}}</strong></p>
</div>
<div class="content">
<h2>{{.Title}}</h2>
<p><strong>Action items:</strong> {{.ActionItems}} &nbsp; <strong>Lessons learned:</strong> {{len .Lessons}}</p>
{{if .Tickets}}<ul>
{{range .Tickets}}<li>[{{.Priority}}] {{.Description}}{{if .TicketURL}} (<a href="{{.TicketURL}}">{{.TicketID}}</a>){{else if .TicketID}} ({{.TicketID}}){{end}}</li>
{{end}}</ul>{{end}}
{{if .Lessons}}<ol>
{{range .Lessons}}<li>{{.}}</li>
{{end}}</ol>{{end}}
<p><strong>Status:</strong> {{.Status}}, postmortem documented</p>
<p><strong>Completed:</strong> {{.Time}}</p>
</div>
<div class="footer"><p>Automated notification from aftermath</p></div>
</div>
</body>
</html>
`))
