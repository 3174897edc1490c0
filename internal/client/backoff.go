package client

import "time"

// Backoff returns the delay before reconnect attempt k (1-based):
// min(base*2^k, ceiling).
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
		delay *= 2
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
