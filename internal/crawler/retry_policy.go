package crawler

import (
	"math"
	"time"
)

// BackoffPolicy maps a retry count onto the delay before the entry becomes eligible again.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff doubles from two seconds up to five minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns Base * 2^(retryCount-1), capped at Max. retryCount is the count after the failure.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 || p.Base <= 0 {
		return 0
	}
	delay := float64(p.Base) * math.Pow(2, float64(retryCount-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}
