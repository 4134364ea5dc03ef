package executor

import "time"

// MaxBackoff caps the retry delay.
const MaxBackoff = time.Hour

// Backoff returns the delay before retry number retryCount (1-based):
// backoffSeconds * 2^(retryCount-1), capped at MaxBackoff.
func Backoff(retryCount, backoffSeconds int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if backoffSeconds < 1 {
		backoffSeconds = 1
	}
	base := time.Duration(backoffSeconds) * time.Second
	if base >= MaxBackoff {
		return MaxBackoff
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}
