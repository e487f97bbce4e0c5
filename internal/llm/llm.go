// Package llm adapts hosted language models to the narrow inference
// interface used by the workflow steps.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Model answers a single prompt with text. Implementations must honour ctx
// cancellation and deadlines.
type Model interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// Streamer is implemented by models that can emit partial output while
// generating. The full text is returned once the stream ends.
type Streamer interface {
	InferStream(ctx context.Context, prompt string, onToken func(string)) (string, error)
}

// Provider names accepted by New.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// New returns the configured model, or nil for ProviderNone. A nil model
// makes the workflow use its deterministic fallbacks.
func New(cfg Config) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, nil
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

var errNoJSON = errors.New("no JSON object in model output")

// ParseJSON decodes the first JSON object found in text into v. Markdown
// code fences and surrounding prose are ignored.
func ParseJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
