package ratelimit

import (
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// jitterFraction caps the random slice added on top of the exponential delay.
// Jitter is additive only, so successive delays stay strictly increasing
// until the cap is reached.
const jitterFraction = 0.25

// backoffDelay computes the retry delay for the given attempt index:
// base * 2^retryCount, capped at the policy max, plus optional jitter.
func backoffDelay(policy domain.RetryPolicy, retryCount int, randFloat func() float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	base := policy.BaseDelay
	if base <= 0 {
		base = time.Minute
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter && randFloat != nil {
		delay += time.Duration(float64(delay) * jitterFraction * randFloat())
	}

	return delay
}
