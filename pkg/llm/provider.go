package llm

import (
	"context"

	"github.com/mycosoft/mascore/pkg/models"
)

// Provider is one LLM backend. Implementations translate the
// provider-agnostic request into the backend's wire format and classify
// failures as ProviderErrors.
type Provider interface {
	// Name returns the provider's configured name.
	Name() string

	// Complete performs a blocking completion against the given concrete
	// model name.
	Complete(ctx context.Context, model string, req *models.LLMRequest) (*models.LLMResponse, error)

	// Stream performs a streaming completion. Failures before the first
	// frame return an error; afterwards the channel yields delta frames
	// and closes after a terminal Usage frame. A mid-stream failure closes
	// the channel after a Usage frame carrying whatever was counted.
	Stream(ctx context.Context, model string, req *models.LLMRequest) (<-chan models.StreamChunk, error)

	// Embed computes embeddings for the given inputs. Providers without an
	// embeddings endpoint return a client-category ProviderError.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}
