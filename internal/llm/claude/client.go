// Package claude adapts the Anthropic Messages API to the text completion
// interface used by the incident intelligence layer.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Config for the Claude client. Only APIKey is required.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Client completes prompts with Claude.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Claude client. Retries are left to the caller.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("claude: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		api:       anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Complete sends a single-turn request and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := otel.Tracer("aftermath/llm").Start(ctx, "llm.claude.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claude request failed")
		return "", fmt.Errorf("claude: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("llm.tokens.input", msg.Usage.InputTokens),
		attribute.Int64("llm.tokens.output", msg.Usage.OutputTokens),
		attribute.String("llm.stop_reason", string(msg.StopReason)),
	)

	text := responseText(msg)
	if text == "" {
		err := errors.New("claude: response has no text content")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

func responseText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
