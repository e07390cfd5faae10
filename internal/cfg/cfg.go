package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Backend and provider names accepted by the process flags.
const (
	ProviderNone   = "none"
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"

	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"

	SessionBadger   = "badger"
	SessionPostgres = "postgres"
	SessionMemory   = "memory"

	VectorMemory   = "memory"
	VectorWeaviate = "weaviate"

	TicketsMock   = "mock"
	TicketsGitHub = "github"
)

// Config holds process-level settings for the aftermath server. Fields map
// to flags and AFTERMATH_-prefixed environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	LLMProvider        string
	ClaudeAPIKey       string
	ClaudeModel        string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	ClassifierFallback bool
	PostmortemFallback bool

	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int

	SessionBackend string
	SessionDir     string
	DatabaseURL    string

	VectorBackend  string
	WeaviateHost   string
	WeaviateScheme string
	WeaviateClass  string

	TicketBackend  string
	TicketPlatform string
	TicketProject  string
	GitHubToken    string
	GitHubRepo     string
	GitHubBaseURL  string

	SLAHighDays   int
	SLAMediumDays int
	SLALowDays    int
	SweepInterval time.Duration

	SlackWebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on mutating API routes (empty = no auth)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderNone, "text intelligence provider: none, claude or openai")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI-compatible chat and embeddings")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL of an OpenAI-compatible server (empty = api.openai.com)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI chat model to use")
	fs.BoolVar(&c.ClassifierFallback, "classifier-fallback", true, "classify by keyword rules when the model is unavailable")
	fs.BoolVar(&c.PostmortemFallback, "postmortem-fallback", true, "write a template postmortem when the model is unavailable")

	fs.StringVar(&c.EmbeddingProvider, "embedding-provider", EmbedderHash, "embedding provider: hash or openai")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "OpenAI embedding model")
	fs.IntVar(&c.EmbeddingDimension, "embedding-dimension", 768, "embedding vector dimension (8..4096)")

	fs.StringVar(&c.SessionBackend, "session-backend", SessionBadger, "incident session store: badger, postgres or memory")
	fs.StringVar(&c.SessionDir, "session-dir", "./data/sessions", "badger data directory")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres session backend")

	fs.StringVar(&c.VectorBackend, "vector-backend", VectorMemory, "knowledge vector store: memory or weaviate")
	fs.StringVar(&c.WeaviateHost, "weaviate-host", "localhost:8081", "Weaviate host:port")
	fs.StringVar(&c.WeaviateScheme, "weaviate-scheme", "http", "Weaviate scheme: http or https")
	fs.StringVar(&c.WeaviateClass, "weaviate-class", "Incident", "Weaviate class holding incident records")

	fs.StringVar(&c.TicketBackend, "ticket-backend", TicketsMock, "ticketing backend: mock or github")
	fs.StringVar(&c.TicketPlatform, "ticket-platform", "jira", "platform name used in mock ticket URLs")
	fs.StringVar(&c.TicketProject, "ticket-project", "INC", "project key used for mock ticket IDs")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token for the github ticket backend")
	fs.StringVar(&c.GitHubRepo, "github-repo", "", "owner/name of the repository receiving issues")
	fs.StringVar(&c.GitHubBaseURL, "github-base-url", "", "GitHub API base URL (empty = api.github.com)")

	fs.IntVar(&c.SLAHighDays, "sla-high-days", 7, "days until a HIGH action item is due (0 = no due date)")
	fs.IntVar(&c.SLAMediumDays, "sla-medium-days", 14, "days until a MEDIUM action item is due (0 = no due date)")
	fs.IntVar(&c.SLALowDays, "sla-low-days", 30, "days until a LOW action item is due (0 = no due date)")
	fs.DurationVar(&c.SweepInterval, "overdue-sweep-interval", time.Hour, "interval between overdue action item sweeps (0 = disabled)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP server for email notifications (empty = email disabled)")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "SMTP server port, STARTTLS when offered (1..65535)")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP username (empty = no auth)")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password")
	fs.StringVar(&c.EmailFrom, "email-from", "", "sender address for email notifications")
	fs.StringVar(&c.EmailTo, "email-to", "", "comma-separated recipients of email notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.LLMProvider {
	case ProviderNone:
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when LLM_PROVIDER is claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when LLM_PROVIDER is claude"))
		}
	case ProviderOpenAI:
		errs = append(errs, c.validateOpenAI("LLM_PROVIDER")...)
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required when LLM_PROVIDER is openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be none, claude or openai)", c.LLMProvider))
	}

	switch c.EmbeddingProvider {
	case EmbedderHash:
	case EmbedderOpenAI:
		errs = append(errs, c.validateOpenAI("EMBEDDING_PROVIDER")...)
	default:
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_PROVIDER %q (must be hash or openai)", c.EmbeddingProvider))
	}
	if c.EmbeddingDimension < 8 || c.EmbeddingDimension > 4096 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMENSION %d (must be 8..4096)", c.EmbeddingDimension))
	}

	switch c.SessionBackend {
	case SessionMemory:
	case SessionBadger:
		if strings.TrimSpace(c.SessionDir) == "" {
			errs = append(errs, errors.New("SESSION_DIR is required when SESSION_BACKEND is badger"))
		}
	case SessionPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when SESSION_BACKEND is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_BACKEND %q (must be badger, postgres or memory)", c.SessionBackend))
	}

	switch c.VectorBackend {
	case VectorMemory:
	case VectorWeaviate:
		if c.WeaviateHost == "" {
			errs = append(errs, errors.New("WEAVIATE_HOST is required when VECTOR_BACKEND is weaviate"))
		}
		if c.WeaviateScheme != "http" && c.WeaviateScheme != "https" {
			errs = append(errs, fmt.Errorf("invalid WEAVIATE_SCHEME %q (must be http or https)", c.WeaviateScheme))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid VECTOR_BACKEND %q (must be memory or weaviate)", c.VectorBackend))
	}

	switch c.TicketBackend {
	case TicketsMock:
	case TicketsGitHub:
		if c.GitHubToken == "" {
			errs = append(errs, errors.New("GITHUB_TOKEN is required when TICKET_BACKEND is github"))
		}
		if owner, repo, ok := strings.Cut(c.GitHubRepo, "/"); !ok || owner == "" || repo == "" {
			errs = append(errs, fmt.Errorf("invalid GITHUB_REPO %q (must be owner/name)", c.GitHubRepo))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid TICKET_BACKEND %q (must be mock or github)", c.TicketBackend))
	}

	for _, sla := range []struct {
		name string
		days int
	}{
		{"SLA_HIGH_DAYS", c.SLAHighDays},
		{"SLA_MEDIUM_DAYS", c.SLAMediumDays},
		{"SLA_LOW_DAYS", c.SLALowDays},
	} {
		if sla.days < 0 || sla.days > 3650 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 0..3650)", sla.name, sla.days))
		}
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid OVERDUE_SWEEP_INTERVAL %s (must not be negative)", c.SweepInterval))
	}

	if c.SMTPHost != "" {
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
		}
		if strings.TrimSpace(c.EmailFrom) == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required when SMTP_HOST is set"))
		}
		if len(c.EmailRecipients()) == 0 {
			errs = append(errs, errors.New("EMAIL_TO is required when SMTP_HOST is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateOpenAI(by string) []error {
	if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
		return []error{fmt.Errorf("OPENAI_API_KEY or OPENAI_BASE_URL is required when %s is openai", by)}
	}
	return nil
}

// EmailRecipients splits EmailTo on commas, dropping blanks.
func (c *Config) EmailRecipients() []string {
	var out []string
	for _, r := range strings.Split(c.EmailTo, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
