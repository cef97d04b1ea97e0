// Package throttler implements the Throttler collaborator contract
// (spec.md section 6): Limit(nBytes) may block to enforce a rate cap. It
// is backed by golang.org/x/time/rate, present in the example pack as a
// transitive requirement and promoted here to a direct, exercised
// dependency so config-driven rate changes (section 1.3) have somewhere
// concrete to land.
package throttler

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttler is consulted by PROCESS_FILE_CMD on every network read, per
// spec.md section 4.4, to pace received bytes against a configured rate.
type Throttler interface {
	Limit(ctx context.Context, nBytes int64) error
	SetBytesPerSecond(bytesPerSec float64)
}

// RateThrottler is a token-bucket throttler over x/time/rate. A
// bytesPerSec of 0 disables limiting (Limit becomes a no-op), matching
// the spec's "optional" framing of the collaborator.
type RateThrottler struct {
	limiter *rate.Limiter
}

// NewRateThrottler constructs a throttler allowing bytesPerSec bytes per
// second on average, bursting up to burst bytes. bytesPerSec <= 0 disables
// limiting entirely.
func NewRateThrottler(bytesPerSec float64, burst int) *RateThrottler {
	if bytesPerSec <= 0 {
		return &RateThrottler{}
	}
	return &RateThrottler{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Limit blocks until nBytes worth of budget is available, or ctx is
// canceled.
func (t *RateThrottler) Limit(ctx context.Context, nBytes int64) error {
	if t.limiter == nil || nBytes <= 0 {
		return nil
	}
	return t.limiter.WaitN(ctx, int(nBytes))
}

// SetBytesPerSecond reconfigures the limiter in place, the hook
// config.Watcher's hot-reload drives (spec SPEC_FULL.md section 1.3/2.3).
func (t *RateThrottler) SetBytesPerSecond(bytesPerSec float64) {
	if t.limiter == nil {
		if bytesPerSec > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		}
		return
	}
	if bytesPerSec <= 0 {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetLimit(rate.Limit(bytesPerSec))
}
