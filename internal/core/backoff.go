package core

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds a retry loop such as an optimistic-concurrency update.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Coefficient     float64       `json:"coefficient"`
	Jitter          bool          `json:"jitter"`
}

// DefaultRetryPolicy is used for object-store compare-and-swap loops.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     8,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Coefficient:     2.0,
		Jitter:          true,
	}
}

// CalculateBackoff computes the delay before retry number attempt (1-based).
func CalculateBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		p := DefaultRetryPolicy()
		policy = &p
	}
	if attempt < 1 {
		attempt = 1
	}

	initial := policy.InitialInterval
	if initial <= 0 {
		initial = 5 * time.Millisecond
	}
	coef := policy.Coefficient
	if coef < 1 {
		coef = 1
	}

	delay := time.Duration(float64(initial) * math.Pow(coef, float64(attempt-1)))
	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}

	if policy.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	return delay
}
