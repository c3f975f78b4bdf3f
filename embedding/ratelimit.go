package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimited bounds the request rate and the number of in-flight calls to
// another Embedder. Waiting honors the caller's context.
type RateLimited struct {
	next     Embedder
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

// NewRateLimited wraps next. perSecond <= 0 disables the rate limit and
// maxInFlight <= 0 disables the concurrency limit.
func NewRateLimited(next Embedder, perSecond float64, burst, maxInFlight int) *RateLimited {
	r := &RateLimited{next: next}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	if maxInFlight > 0 {
		r.inflight = semaphore.NewWeighted(int64(maxInFlight))
	}
	return r
}

func (r *RateLimited) Dimension() int { return r.next.Dimension() }

func (r *RateLimited) Embed(ctx context.Context, ref Reference, modality Modality) ([]float32, error) {
	if r.inflight != nil {
		if err := r.inflight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.inflight.Release(1)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return r.next.Embed(ctx, ref, modality)
}
