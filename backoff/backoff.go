// Package backoff computes reconnection delays from retry attempt numbers.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Default delay parameters.
const (
	DefaultBaseDelay    = 1 * time.Second
	DefaultCapDelay     = 30 * time.Second
	DefaultJitterWindow = 1 * time.Second
)

// Strategy maps a retry attempt number (starting at 1) to a delay before the
// next connection attempt. Implementations must return a non-negative, finite
// duration; callers clamp pathological values to zero.
type Strategy func(attempt uint) time.Duration

// Exponential returns a strategy that doubles the delay per attempt up to cap,
// then adds a uniformly random jitter in [0, jitter).
func Exponential(base, cap, jitter time.Duration) Strategy {
	return func(attempt uint) time.Duration {
		if attempt == 0 {
			attempt = 1
		}

		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if delay > float64(cap) || math.IsInf(delay, 1) {
			delay = float64(cap)
		}

		if jitter > 0 {
			delay += rand.Float64() * float64(jitter)
		}

		return time.Duration(delay)
	}
}

// Fixed returns a strategy with a constant delay.
func Fixed(delay time.Duration) Strategy {
	return func(uint) time.Duration {
		return delay
	}
}

// Linear returns a strategy where the delay grows by step per attempt,
// capped at cap.
func Linear(step, cap time.Duration) Strategy {
	return func(attempt uint) time.Duration {
		if attempt == 0 {
			attempt = 1
		}

		delay := step * time.Duration(attempt)
		if delay > cap {
			delay = cap
		}

		return delay
	}
}

// Default returns the standard exponential strategy: 1s base, 30s ceiling,
// up to 1s of jitter.
func Default() Strategy {
	return Exponential(DefaultBaseDelay, DefaultCapDelay, DefaultJitterWindow)
}

// Clamp normalizes a strategy result so a misbehaving custom strategy can
// never produce a negative delay.
func Clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}

	return d
}
