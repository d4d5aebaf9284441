package crawler

import (
	"math"
	"time"
)

// Rate governor key prefixes.
const (
	DomainKeyPrefix = "domain:"
	APIKeyPrefix    = "api:"
)

// DomainKey is the governor key for a crawl target host.
func DomainKey(host string) string { return DomainKeyPrefix + host }

// APIKey is the governor key for an external API identity.
func APIKey(name string) string { return APIKeyPrefix + name }

// WindowFor converts a per-second speed into a fixed window and the number of
// requests it admits. The window is at least one second so slow speeds
// (below one request per second) still admit exactly one request per window.
func WindowFor(ratePerSec float64) (time.Duration, int) {
	if ratePerSec <= 0 {
		return time.Second, 1
	}
	window := time.Second
	if ratePerSec < 1 {
		window = time.Duration(float64(time.Second) / ratePerSec)
	}
	limit := int(math.Round(ratePerSec * window.Seconds()))
	if limit < 1 {
		limit = 1
	}
	return window, limit
}
