package delegation

import (
	"time"

	"github.com/googleapis/gax-go/v2"
)

// RetryPolicy bounds local retries of transient token endpoint failures.
// The zero value means a single attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries up to three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the pause generator for one exchange. gax adds jitter to
// every pause.
func (p RetryPolicy) backoff() gax.Backoff {
	return gax.Backoff{
		Initial:    p.InitialDelay,
		Max:        p.MaxDelay,
		Multiplier: p.Multiplier,
	}
}
