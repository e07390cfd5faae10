// Package openai adapts OpenAI-compatible chat and embedding endpoints.
// BaseURL may point at any server speaking the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = string(goopenai.SmallEmbedding3)
)

// Config for the OpenAI client.
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	// Dimensions requests shortened embeddings when the model supports it.
	Dimensions int
	MaxTokens  int
}

// Client implements text completion and embedding.
type Client struct {
	api            *goopenai.Client
	chatModel      string
	embeddingModel string
	dimensions     int
	maxTokens      int
}

// New creates a client. An API key is required unless BaseURL is set.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	conf := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		api:            goopenai.NewClientWithConfig(conf),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.Dimensions,
		maxTokens:      cfg.MaxTokens,
	}, nil
}

// Complete runs a chat completion with a system and a user message.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := otel.Tracer("aftermath/llm").Start(ctx, "llm.openai.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.chatModel))

	var msgs []goopenai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: prompt})

	req := goopenai.ChatCompletionRequest{Model: c.chatModel, Messages: msgs}
	if c.maxTokens > 0 {
		req.MaxCompletionTokens = c.maxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.Usage.PromptTokens),
		attribute.Int("llm.tokens.output", resp.Usage.CompletionTokens),
	)
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		err := errors.New("openai: no choices returned")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otel.Tracer("aftermath/llm").Start(ctx, "llm.openai.embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.embeddingModel))

	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      []string{text},
		Model:      goopenai.EmbeddingModel(c.embeddingModel),
		Dimensions: c.dimensions,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}
