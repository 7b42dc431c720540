package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry attempt. The zero value is not
// usable; construct with Exponential or Fixed.
type Backoff struct {
	// Kind is "exponential" or "fixed".
	Kind string `json:"kind" bson:"kind"`
	// InitialMs is the base delay for exponential backoff.
	InitialMs int64 `json:"initialMs,omitempty" bson:"initial_ms,omitempty"`
	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier,omitempty" bson:"multiplier,omitempty"`
	// MaxMs caps the computed exponential delay.
	MaxMs int64 `json:"maxMs,omitempty" bson:"max_ms,omitempty"`
	// DelayMs is the constant delay for fixed backoff.
	DelayMs int64 `json:"delayMs,omitempty" bson:"delay_ms,omitempty"`
	// Jitter applies full jitter: the delay is drawn uniformly from
	// [0, computed] inclusive.
	Jitter bool `json:"jitter" bson:"jitter"`
}

// Exponential returns an exponential backoff policy with full jitter.
func Exponential(initial time.Duration, multiplier float64, max time.Duration) Backoff {
	return Backoff{
		Kind:       "exponential",
		InitialMs:  initial.Milliseconds(),
		Multiplier: multiplier,
		MaxMs:      max.Milliseconds(),
		Jitter:     true,
	}
}

// Fixed returns a constant-delay backoff policy.
func Fixed(delay time.Duration, jitter bool) Backoff {
	return Backoff{Kind: "fixed", DelayMs: delay.Milliseconds(), Jitter: jitter}
}

// DefaultStreamBackoff is the stream-scope retry policy.
func DefaultStreamBackoff() Backoff {
	return Exponential(250*time.Millisecond, 2, 4*time.Second)
}

// DefaultToolBackoff is the sync tool execution retry policy.
func DefaultToolBackoff() Backoff {
	return Exponential(500*time.Millisecond, 2, 10*time.Second)
}

// DefaultCallbackBackoff is the async callback notification retry policy.
func DefaultCallbackBackoff() Backoff {
	return Exponential(5*time.Second, 2, 60*time.Second)
}

// Delay returns the backoff delay for the given 1-based attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var ms float64
	switch b.Kind {
	case "fixed":
		ms = float64(b.DelayMs)
	default:
		ms = float64(b.InitialMs) * math.Pow(b.Multiplier, float64(attempt-1))
		if max := float64(b.MaxMs); b.MaxMs > 0 && ms > max {
			ms = max
		}
	}
	if ms < 0 {
		ms = 0
	}
	if b.Jitter {
		// Full jitter: uniform in [0, delay] inclusive.
		ms = math.Floor(rand.Float64() * (ms + 1))
	}
	return time.Duration(ms) * time.Millisecond
}

// DefaultMaxAttempts is the stream-scope retry attempt budget.
const DefaultMaxAttempts = 3
