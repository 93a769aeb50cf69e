package webhooks

import "time"

// Backoff maps a failed attempt number to the wait before the next one.
type Backoff []time.Duration

// DefaultBackoff waits 1m, 5m, then 30m for every later retry.
var DefaultBackoff = Backoff{time.Minute, 5 * time.Minute, 30 * time.Minute}

// Delay returns the wait after the given 1-based attempt failed. Attempts
// past the end of the table reuse the last step.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(b) {
		i = len(b) - 1
	}
	return b[i]
}
