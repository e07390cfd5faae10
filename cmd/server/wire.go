package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	ac "github.com/linnemanlabs/aftermath/internal/cfg"
	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/intel"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
	"github.com/linnemanlabs/aftermath/internal/knowledge/memstore"
	"github.com/linnemanlabs/aftermath/internal/knowledge/weaviatestore"
	"github.com/linnemanlabs/aftermath/internal/llm/claude"
	"github.com/linnemanlabs/aftermath/internal/llm/openai"
	"github.com/linnemanlabs/aftermath/internal/notify"
	"github.com/linnemanlabs/aftermath/internal/notify/email"
	"github.com/linnemanlabs/aftermath/internal/notify/slack"
	"github.com/linnemanlabs/aftermath/internal/postgres"
	"github.com/linnemanlabs/aftermath/internal/session"
	"github.com/linnemanlabs/aftermath/internal/session/badgerstore"
	"github.com/linnemanlabs/aftermath/internal/session/pgstore"
	"github.com/linnemanlabs/aftermath/internal/ticket"
	"github.com/linnemanlabs/aftermath/internal/ticket/github"
	"github.com/linnemanlabs/aftermath/internal/ticket/mock"
)

// closer releases a backing resource during shutdown.
type closer func(context.Context) error

// once makes c safe to call from both the shutdown sequence and a defer.
func once(c closer) closer {
	var (
		o   sync.Once
		err error
	)
	return func(ctx context.Context) error {
		o.Do(func() { err = c(ctx) })
		return err
	}
}

// openSessionBackend selects the durable tier for incident records.
func openSessionBackend(ctx context.Context, c *ac.Config, L log.Logger, hooks postgres.Hooks) (session.Backend, closer, error) {
	switch c.SessionBackend {
	case ac.SessionBadger:
		st, err := badgerstore.Open(badgerstore.Options{Dir: c.SessionDir, SyncWrites: true})
		if err != nil {
			return nil, nil, fmt.Errorf("badger session store: %w", err)
		}
		L.Info(ctx, "using badger session store", "dir", c.SessionDir)
		return st, once(func(context.Context) error { return st.Close() }), nil
	case ac.SessionPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             c.DatabaseURL,
			MaxConns:        10,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
		}, L, hooks)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres session store")
		return st, once(closePool(pool)), nil
	case ac.SessionMemory:
		L.Warn(ctx, "using in-memory session store, incidents will not survive a restart")
		return session.NewMemoryBackend(), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", c.SessionBackend)
	}
}

func closePool(pool *pgxpool.Pool) closer {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

// models holds the optional model clients. Either may be nil.
type models struct {
	completer intel.Completer
	embedder  knowledge.Embedder
}

func buildModels(ctx context.Context, c *ac.Config, L log.Logger) (models, error) {
	var m models

	var oa *openai.Client
	if c.LLMProvider == ac.ProviderOpenAI || c.EmbeddingProvider == ac.EmbedderOpenAI {
		client, err := openai.New(openai.Config{
			APIKey:         c.OpenAIAPIKey,
			BaseURL:        c.OpenAIBaseURL,
			ChatModel:      c.OpenAIModel,
			EmbeddingModel: c.EmbeddingModel,
			Dimensions:     c.EmbeddingDimension,
		})
		if err != nil {
			return m, fmt.Errorf("openai client: %w", err)
		}
		oa = client
	}

	switch c.LLMProvider {
	case ac.ProviderClaude:
		client, err := claude.New(claude.Config{APIKey: c.ClaudeAPIKey, Model: c.ClaudeModel})
		if err != nil {
			return m, fmt.Errorf("claude client: %w", err)
		}
		m.completer = client
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", c.ClaudeModel)
	case ac.ProviderOpenAI:
		m.completer = oa
		L.Info(ctx, "initialized LLM provider", "provider", "openai", "model", c.OpenAIModel)
	case ac.ProviderNone:
		L.Warn(ctx, "no LLM provider configured, using rule-based fallbacks")
	default:
		return m, fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}

	switch c.EmbeddingProvider {
	case ac.EmbedderOpenAI:
		m.embedder = oa
		L.Info(ctx, "initialized embedding provider", "provider", "openai", "model", c.EmbeddingModel, "dimension", c.EmbeddingDimension)
	case ac.EmbedderHash:
		m.embedder = knowledge.NewHashEmbedder(c.EmbeddingDimension)
		L.Info(ctx, "initialized embedding provider", "provider", "hash", "dimension", c.EmbeddingDimension)
	default:
		return m, fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider)
	}
	return m, nil
}

func openVectorStore(ctx context.Context, c *ac.Config, L log.Logger) (knowledge.VectorStore, error) {
	switch c.VectorBackend {
	case ac.VectorWeaviate:
		st, err := weaviatestore.New(ctx, weaviatestore.Config{
			Host:   c.WeaviateHost,
			Scheme: c.WeaviateScheme,
			Class:  c.WeaviateClass,
		})
		if err != nil {
			return nil, fmt.Errorf("weaviate store: %w", err)
		}
		L.Info(ctx, "using weaviate knowledge store", "host", c.WeaviateHost, "class", c.WeaviateClass)
		return st, nil
	case ac.VectorMemory:
		L.Info(ctx, "using in-memory knowledge store")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", c.VectorBackend)
	}
}

func buildTicketCreator(ctx context.Context, c *ac.Config, L log.Logger) (ticket.Creator, error) {
	switch c.TicketBackend {
	case ac.TicketsGitHub:
		cr, err := github.New(ctx, github.Config{Token: c.GitHubToken, Repo: c.GitHubRepo, BaseURL: c.GitHubBaseURL})
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "using github ticket backend", "repo", c.GitHubRepo)
		return cr, nil
	case ac.TicketsMock:
		L.Info(ctx, "using mock ticket backend", "platform", c.TicketPlatform, "project", c.TicketProject)
		return mock.New(c.TicketPlatform, c.TicketProject), nil
	default:
		return nil, fmt.Errorf("unknown ticket backend %q", c.TicketBackend)
	}
}

// buildNotifier combines the configured channels. It returns nil when no
// channel is configured.
func buildNotifier(ctx context.Context, c *ac.Config, L log.Logger) (incident.Notifier, error) {
	var channels []incident.Notifier
	if c.SlackWebhookURL != "" {
		channels = append(channels, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if c.SMTPHost != "" {
		mailer, err := email.New(email.Config{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUsername,
			Password: c.SMTPPassword,
			From:     c.EmailFrom,
			To:       c.EmailRecipients(),
		}, L)
		if err != nil {
			return nil, err
		}
		channels = append(channels, mailer)
		L.Info(ctx, "notifier enabled", "type", "email", "smtp_host", c.SMTPHost, "recipients", len(c.EmailRecipients()))
	}
	return notify.New(channels...), nil
}

// slaFromConfig converts per-priority day counts. Zero leaves a priority
// without a due date.
func slaFromConfig(c *ac.Config) map[incident.Priority]time.Duration {
	sla := make(map[incident.Priority]time.Duration, 3)
	for p, days := range map[incident.Priority]int{
		incident.PriorityHigh:   c.SLAHighDays,
		incident.PriorityMedium: c.SLAMediumDays,
		incident.PriorityLow:    c.SLALowDays,
	} {
		if days > 0 {
			sla[p] = time.Duration(days) * 24 * time.Hour
		}
	}
	return sla
}
