package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	robotsFallbackReasonTLSHandshake = "TLS handshake timeout"
	robotsAllowAll                   = "User-agent: *\nAllow: /"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport sits under the collector and only intervenes on
// /robots.txt. Handshake timeouts are retried and, once retries run out,
// answered with an allow-all file. 429 and 5xx answers are retried too; the
// last one is returned as is so the collector treats the site as disallowed.
type robotsAwareTransport struct {
	base       http.RoundTripper
	onFallback func(host, reason string)
	// backoff holds the delay before each retry; nil uses defaultRobotsBackoff.
	backoff []time.Duration
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return t.fetchRobots(req)
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func (t *robotsAwareTransport) delays() []time.Duration {
	if t.backoff != nil {
		return t.backoff
	}
	return defaultRobotsBackoff
}

func (t *robotsAwareTransport) fetchRobots(req *http.Request) (*http.Response, error) {
	delays := t.delays()
	for attempt := 0; ; attempt++ {
		last := attempt == len(delays)
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && !retryableRobotsStatus(resp.StatusCode):
			return resp, nil
		case err == nil:
			if last {
				return resp, nil
			}
			drain(resp)
		case !isTransientTLSError(err):
			return nil, fmt.Errorf("fetch robots.txt for %s: %w", req.URL.Host, err)
		case last:
			if t.onFallback != nil {
				t.onFallback(req.URL.Host, robotsFallbackReasonTLSHandshake)
			}
			return allowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), delays[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt retry for %s: %w", req.URL.Host, err)
		}
	}
}

func retryableRobotsStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
