package push

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// NewBackoff returns the reconnect schedule: after n consecutive failures
// the delay is min(base*2^n, maxDelay), then jittered by +/- jitterPercent.
// The schedule never stops on its own.
func NewBackoff(base, maxDelay time.Duration, jitterPercent uint64) retry.Backoff {
	b := retry.NewExponential(2 * base)
	b = retry.WithCappedDuration(maxDelay, b)
	if jitterPercent > 0 {
		b = retry.WithJitterPercent(jitterPercent, b)
	}
	return b
}

// MinDelay is the shortest delay NewBackoff can produce after failures
// consecutive failures.
func MinDelay(base, maxDelay time.Duration, jitterPercent uint64, failures int) time.Duration {
	d := maxDelay
	if failures < 63 {
		if exp := base << failures; exp > 0 && exp < maxDelay {
			d = exp
		}
	}
	return time.Duration(float64(d) * (1 - float64(jitterPercent)/100))
}
