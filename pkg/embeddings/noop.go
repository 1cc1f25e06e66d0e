package embeddings

import "context"

// NoopProvider always reports unavailable. Used as the default when no
// embedding library is configured — recall falls back to keyword-only
// matching.
type NoopProvider struct {
	dim int
}

// NewNoopProvider returns a Provider that never produces vectors.
func NewNoopProvider(dim int) *NoopProvider {
	return &NoopProvider{dim: dim}
}

func (p *NoopProvider) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	return nil, false, nil
}

func (p *NoopProvider) Dimension() int { return p.dim }

func (p *NoopProvider) Available() bool { return false }
