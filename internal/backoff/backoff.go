// Package backoff computes retry delays for the sync retry loop.  The delay
// grows exponentially with the attempt number, is capped at a maximum and can
// optionally be spread by a jitter factor in [0.8, 1.2] so that callers which
// failed together do not retry together.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	jitterLow  = 0.8
	jitterHigh = 1.2
)

// Delay returns min(max, base*2^attempt), scaled by a random factor in
// [0.8, 1.2] and clamped to max again when jitter is true.
func Delay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if !jitter {
		return DelayWith(attempt, base, max, nil)
	}
	return DelayWith(attempt, base, max, rand.Float64)
}

// DelayWith is Delay with an explicit random source returning values in
// [0, 1).  A nil source disables jitter.
func DelayWith(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	d := exponential(attempt, base, max)
	if rnd == nil {
		return d
	}
	factor := jitterLow + (jitterHigh-jitterLow)*rnd()
	j := time.Duration(float64(d) * factor)
	if max > 0 && j > max {
		return max
	}
	return j
}

// exponential computes the unjittered, capped delay.  Overflow saturates at
// max so very large attempt numbers never wrap to negative durations.
func exponential(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	f := float64(base) * math.Pow(2, float64(attempt))
	if max > 0 && f >= float64(max) {
		return max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
