// Package media talks to the media-understanding service that transcribes
// audio and extracts attributes from product images.
package media

import (
	"context"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Client is the media collaborator used by the workflow steps.
type Client interface {
	Transcribe(ctx context.Context, ref domain.MediaRef) (*domain.Transcription, error)
	AnalyzeImage(ctx context.Context, ref domain.MediaRef) (*domain.ImageAttributes, error)
	Health(ctx context.Context) error
}
