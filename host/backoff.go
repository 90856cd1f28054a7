package host

import (
	"math"
	"time"
)

// ReconnectConfig bounds the retries of a stream that failed while active.
type ReconnectConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

// Backoff is RetryDelay * 2^(attempt-1), capped at MaxRetryDelay. Without a
// cap it saturates instead of overflowing.
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	ceiling := c.MaxRetryDelay
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	delay := min(c.RetryDelay, ceiling)
	for n := 1; n < attempt && delay > 0 && delay < ceiling; n++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return delay
}
