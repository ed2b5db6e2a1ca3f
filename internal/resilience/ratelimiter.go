package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/docflow/worker/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with lazy, refill-on-check arithmetic and a
// blocking Acquire: callers suspend until a token is available rather than
// being told no. The mutex guards the available/lastRefill pair exactly as
// in the lineage's non-blocking limiter; Acquire adds the blocking retry
// loop the lineage's own Allow()/AllowN() never needed.
type RateLimiter struct {
	mu         sync.Mutex
	resourceTag string
	capacity   float64 // burst
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time

	waits metric.Int64Counter
}

// NewRateLimiter constructs a limiter admitting ratePerSecond tokens/sec up
// to a bucket of size burst.
func NewRateLimiter(resourceTag string, ratePerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	waits, _ := telemetry.Meter().Int64Counter("docflow_ratelimiter_waits_total")
	return &RateLimiter{
		resourceTag: resourceTag,
		capacity:    float64(burst),
		fillRate:    ratePerSecond,
		available:   float64(burst),
		lastRefill:  time.Now(),
		waits:       waits,
	}
}

// Acquire blocks until one token is available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := r.tryAcquire()
		if ok {
			return nil
		}

		if r.waits != nil {
			r.waits.Add(ctx, 1, metric.WithAttributes(attribute.String("resource_tag", r.resourceTag)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire refills the bucket by elapsed time, consumes a token if one is
// available, and otherwise reports how long the caller should wait before
// retrying (~1/rate, matching the spec's suspend-and-retry contract).
func (r *RateLimiter) tryAcquire() (wait time.Duration, acquired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.available = minFloat(r.capacity, r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	if r.available >= 1.0 {
		r.available -= 1.0
		return 0, true
	}

	rate := r.fillRate
	if rate <= 0 {
		rate = 1
	}
	return time.Duration(float64(time.Second) / rate), false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
