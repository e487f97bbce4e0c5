package media

import (
	"context"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Mock returns canned results. It backs local development when
// USE_MOCK_SERVICES is set.
type Mock struct{}

// Transcribe returns a fixed transcript.
func (Mock) Transcribe(context.Context, domain.MediaRef) (*domain.Transcription, error) {
	return &domain.Transcription{
		Transcript: "This is a mocked transcription of your audio request.",
		Confidence: 0.99,
	}, nil
}

// AnalyzeImage returns fixed attributes.
func (Mock) AnalyzeImage(context.Context, domain.MediaRef) (*domain.ImageAttributes, error) {
	return &domain.ImageAttributes{
		Labels:  []string{"mock_label"},
		Text:    []string{"Sample text"},
		Objects: []string{"mock_object"},
	}, nil
}

// Health always succeeds.
func (Mock) Health(context.Context) error { return nil }

var _ Client = Mock{}
