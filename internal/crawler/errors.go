package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("record not found")
	ErrLeaseDenied       = errors.New("lease held by another holder")
	ErrLeaseNotHeld      = errors.New("lease not held")
	ErrBudgetExhausted   = errors.New("page budget exhausted")
	ErrFrontierEmpty     = errors.New("frontier empty")
	ErrNotClaimable      = errors.New("entry not claimable")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrOutOfScope        = errors.New("url excluded by session scope")
)

// FetchError reports a non-success HTTP response.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
}

// Classify maps a fetch failure onto the failure taxonomy. Transient failures are
// retried with backoff; permanent ones fail the entry immediately.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return classifyStatus(fetchErr.StatusCode)
	}
	if errors.Is(err, ErrRobotsDisallowed) || errors.Is(err, ErrOutOfScope) {
		return ClassPermanent
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ClassPermanent
	}
	if errors.Is(err, ErrLeaseNotHeld) {
		return ClassInfrastructure
	}
	// Timeouts, resets and anything unrecognised are worth another attempt.
	return ClassTransient
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// SuccessStatus reports whether an HTTP status yields a crawled page.
func SuccessStatus(code int) bool {
	return code >= 200 && code < 400
}
