package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var errNoChoices = errors.New("openai returned no choices")

// OpenAI answers prompts with the Chat Completions API and supports token
// streaming.
type OpenAI struct {
	client      *openai.Client
	model       openai.ChatModel
	maxTokens   int64
	temperature float64
}

// NewOpenAI builds a client from cfg. An empty API key falls back to the
// OPENAI_API_KEY environment variable read by the SDK.
func NewOpenAI(cfg Config) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(opts...)

	m := &OpenAI{
		client:      &client,
		model:       openai.ChatModelGPT4oMini,
		maxTokens:   1024,
		temperature: cfg.Temperature,
	}
	if cfg.Model != "" {
		m.model = openai.ChatModel(cfg.Model)
	}
	if cfg.MaxTokens > 0 {
		m.maxTokens = cfg.MaxTokens
	}
	return m
}

func (m *OpenAI) params(prompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:               m.model,
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature:         openai.Float(m.temperature),
		MaxCompletionTokens: openai.Int(m.maxTokens),
	}
}

// Infer returns the content of the first choice.
func (m *OpenAI) Infer(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Chat.Completions.New(ctx, m.params(prompt))
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// InferStream forwards every content delta to onToken and returns the
// concatenated text.
func (m *OpenAI) InferStream(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, m.params(prompt))
	defer func() { _ = stream.Close() }()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			b.WriteString(ch.Delta.Content)
			if onToken != nil {
				onToken(ch.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), fmt.Errorf("openai streaming error: %w", err)
	}
	return b.String(), nil
}

var (
	_ Model    = (*OpenAI)(nil)
	_ Streamer = (*OpenAI)(nil)
)
