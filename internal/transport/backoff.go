package transport

import "time"

const (
	baseRedialDelay = 250 * time.Millisecond
	maxRedialDelay  = 15 * time.Second
)

// redialBackoff returns the capped exponential delay before the next dial
// attempt is allowed.
func redialBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	// 2^30 already far exceeds maxRedialDelay
	if failures > 30 {
		return maxRedialDelay
	}
	backoff := baseRedialDelay * time.Duration(1<<(failures-1))
	if backoff > maxRedialDelay {
		return maxRedialDelay
	}
	return backoff
}
