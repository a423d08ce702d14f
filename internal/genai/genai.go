// Package genai provides free-form replies using the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the reply generator
const (
	DefaultModel     = openai.ChatModelGPT4oMini
	DefaultMaxTokens = 400
)

// DefaultSystemPrompt frames the assistant as the office's first-contact attendant.
const DefaultSystemPrompt = "Você é o atendente virtual de um escritório de advocacia no Brasil. " +
	"Responda em português, com frases curtas e acolhedoras. Descubra a área do caso " +
	"(criminal, família, cível, trabalhista ou outra), se a pessoa já tem advogado e peça nome, " +
	"cidade/estado e um resumo do caso. Não dê parecer jurídico nem prometa resultados; " +
	"explique que um advogado vai continuar o atendimento."

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the reply generator.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
	BaseURL      string
	MaxTokens    int64
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithMaxTokens bounds the reply length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat         chatService
	model        openai.ChatModel
	systemPrompt string
	maxTokens    int64
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Model:        string(DefaultModel),
		SystemPrompt: DefaultSystemPrompt,
		MaxTokens:    DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}

// NewClient creates a Client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOptions(opts)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return newClientWithChat(completionsAdapter{svc: &cli.Chat.Completions}, cfg), nil
}

func newClientWithChat(chat chatService, cfg Opts) *Client {
	return &Client{
		chat:         chat,
		model:        openai.ChatModel(cfg.Model),
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}
}

// Generate returns a reply to text from senderID.
func (c *Client) Generate(ctx context.Context, senderID, text string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt),
			openai.UserMessage(text),
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI Generate failed", "error", err, "sender", senderID)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI Generate returned no choices", "sender", senderID)
		return "", ErrNoChoices
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI Generate succeeded", "sender", senderID, "reply_length", len(reply))
	return reply, nil
}
