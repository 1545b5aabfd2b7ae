package scheduler

import "time"

// retryBackoff returns the wait before retry attempt n (1-based), doubling
// from base and capped at max. Attempt 0 or below waits nothing.
func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
