package carrier

import (
	"errors"
	"math/rand"
	"time"

	"trackgate/internal/errclass"
)

// backoffModeWindow is how long a profile stays in widened-backoff mode after
// a rate-limit error or an authentication failure. The flag self-clears.
const backoffModeWindow = 30 * time.Second

// shouldRetry implements the retry matrix. attempt is 1-based and counts the
// attempt that just failed; maxAttempts is the effective ceiling for the item.
func (p *Profile) shouldRetryLocked(kind errclass.Kind, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	switch kind {
	case errclass.Auth:
		// Auth-shaped failures get their own, usually tighter, ceiling.
		return attempt < p.cfg.AuthRetryCeiling+1
	case errclass.RateLimited:
		// At most one retry; the limiter itself will pace the second attempt.
		return attempt < 2
	case errclass.Client, errclass.PrivateResource:
		return false
	case errclass.Timeout, errclass.Network, errclass.Server:
		return true
	default:
		// Optimistic default: unrecognized failures retry up to the ceiling.
		return true
	}
}

// retryDelayLocked computes base * 2^(attempt-1) with bounded jitter, clamped
// to the carrier maximum. While the profile is in backoff mode (recent auth
// failures or a just-seen rate-limit error) the delay is widened before
// clamping. Explicit retry-after hints take precedence over the formula.
func (p *Profile) retryDelayLocked(now time.Time, attempt int, err error) time.Duration {
	maxD := p.cfg.RetryMaxDelay

	var ra errclass.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		d = p.jitter(d)
		if d > maxD {
			d = maxD
		}
		return d
	}

	d := p.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}

	if now.Before(p.backoffUntil) {
		d *= 2
	}

	d = p.jitter(d)
	if d > maxD {
		d = maxD
	}
	return d
}

func (p *Profile) jitter(d time.Duration) time.Duration {
	j := p.cfg.RetryJitter
	if j <= 0 || d <= 0 {
		return d
	}
	r := (p.rng.Float64()*2 - 1) * j
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}

// enterBackoffModeLocked arms the widened-backoff flag.
func (p *Profile) enterBackoffModeLocked(now time.Time) {
	p.backoffUntil = now.Add(backoffModeWindow)
}

// newRNG builds a per-profile RNG so concurrent retries don't contend on the
// global source.
func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
