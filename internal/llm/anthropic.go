package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic answers prompts with the Anthropic Messages API.
type Anthropic struct {
	client      *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewAnthropic builds a client from cfg. An empty API key falls back to the
// ANTHROPIC_API_KEY environment variable read by the SDK.
func NewAnthropic(cfg Config) *Anthropic {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)

	m := &Anthropic{
		client:      &client,
		model:       anthropic.ModelClaude3_5Sonnet20241022,
		maxTokens:   1024,
		temperature: cfg.Temperature,
	}
	if cfg.Model != "" {
		m.model = anthropic.Model(cfg.Model)
	}
	if cfg.MaxTokens > 0 {
		m.maxTokens = cfg.MaxTokens
	}
	return m
}

// Infer sends prompt as a single user message and joins the text blocks of
// the reply.
func (m *Anthropic) Infer(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

var _ Model = (*Anthropic)(nil)
