package llm

import (
	"context"

	"github.com/kumon/receptionist/internal/models"
)

// Adapter is the provider-specific boundary the gateway fails over across.
// Concrete implementations wrap a single backend (Anthropic, an
// OpenAI-compatible endpoint via langchaingo, ...).
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error)
	Stream(ctx context.Context, req models.LLMRequest, chunks chan<- models.StreamChunk)
}
