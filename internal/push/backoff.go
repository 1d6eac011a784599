package push

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: Initial * Factor^attempt, spread by
// ±Jitter of itself and capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	// random returns a value in [0, 1). Tests replace it.
	random func() float64
}

// DefaultBackoff matches the push server's recommended client settings.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 800 * time.Millisecond,
		Max:     12 * time.Second,
		Factor:  2,
		Jitter:  0.5,
	}
}

// Delay returns the wait before reconnection attempt number attempt, counted
// from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(b.Initial) * math.Pow(factor, float64(max(attempt, 0)))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if jitter := min(max(b.Jitter, 0), 1); jitter > 0 {
		random := b.random
		if random == nil {
			random = rand.Float64
		}
		delay += delay * jitter * (2*random() - 1)
	}

	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
