package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"not found", &FetchError{URL: "u", StatusCode: 404}, ClassPermanent},
		{"forbidden", &FetchError{URL: "u", StatusCode: 403}, ClassPermanent},
		{"too many requests", &FetchError{URL: "u", StatusCode: 429}, ClassTransient},
		{"request timeout", &FetchError{URL: "u", StatusCode: 408}, ClassTransient},
		{"server error", fmt.Errorf("wrapped: %w", &FetchError{URL: "u", StatusCode: 503}), ClassTransient},
		{"robots", fmt.Errorf("fetch: %w", ErrRobotsDisallowed), ClassPermanent},
		{"excluded", ErrOutOfScope, ClassPermanent},
		{"nxdomain", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, ClassPermanent},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "slow.example", IsTimeout: true}, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"lease lost", ErrLeaseNotHeld, ClassInfrastructure},
		{"unknown", errors.New("connection reset by peer"), ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
	require.Empty(t, Classify(nil))
}

func TestSuccessStatus(t *testing.T) {
	t.Parallel()

	require.True(t, SuccessStatus(200))
	require.True(t, SuccessStatus(301))
	require.False(t, SuccessStatus(404))
	require.False(t, SuccessStatus(0))
}
