package providers

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/synapse-core/internal/agent"
)

// RateLimitedProvider wraps an agent.LLMProvider with a token-bucket limiter,
// bounding how often Complete may be called. It is transparent to callers:
// Name/Models/SupportsTools pass through to the wrapped provider.
type RateLimitedProvider struct {
	inner   agent.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter allowing ratePerSecond
// calls/sec and bursts of up to burst. A non-positive ratePerSecond disables
// limiting (the limiter allows everything through immediately).
func NewRateLimitedProvider(inner agent.LLMProvider, ratePerSecond float64, burst int) *RateLimitedProvider {
	if burst <= 0 {
		burst = 1
	}
	var limit rate.Limit = rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name implements agent.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Models implements agent.LLMProvider.
func (p *RateLimitedProvider) Models() []agent.Model { return p.inner.Models() }

// SupportsTools implements agent.LLMProvider.
func (p *RateLimitedProvider) SupportsTools() bool { return p.inner.SupportsTools() }

// Complete blocks until the rate limiter admits the call (or ctx is
// cancelled), then delegates to the wrapped provider.
func (p *RateLimitedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, req)
}
