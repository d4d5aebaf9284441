package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/manual"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestGovernorPermitWaitsBetweenTokens(t *testing.T) {
	t.Parallel()

	clock := manual.New(epoch)
	g := New(clock)
	ctx := context.Background()

	first, err := g.Permit(ctx, "domain:example.com", 2)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := g.Permit(ctx, "domain:example.com", 2)
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, 500*time.Millisecond, second.Wait)

	clock.Advance(second.Wait)
	third, err := g.Permit(ctx, "domain:example.com", 2)
	require.NoError(t, err)
	require.True(t, third.Allowed)
}

func TestGovernorKeysAreIndependent(t *testing.T) {
	t.Parallel()

	g := New(manual.New(epoch))
	ctx := context.Background()

	p, err := g.Permit(ctx, "domain:a.example", 1)
	require.NoError(t, err)
	require.True(t, p.Allowed)

	p, err = g.Permit(ctx, "domain:b.example", 1)
	require.NoError(t, err)
	require.True(t, p.Allowed)

	p, err = g.Permit(ctx, "domain:a.example", 1)
	require.NoError(t, err)
	require.False(t, p.Allowed)
}

func TestGovernorSlowSpeed(t *testing.T) {
	t.Parallel()

	clock := manual.New(epoch)
	g := New(clock)
	ctx := context.Background()

	_, err := g.Permit(ctx, "domain:slow.example", 0.5)
	require.NoError(t, err)
	p, err := g.Permit(ctx, "domain:slow.example", 0.5)
	require.NoError(t, err)
	require.False(t, p.Allowed)
	require.Equal(t, 2*time.Second, p.Wait)
}

func TestGovernorUnlimited(t *testing.T) {
	t.Parallel()

	g := New(manual.New(epoch))
	for range 10 {
		p, err := g.Permit(context.Background(), "api:quota", 0)
		require.NoError(t, err)
		require.True(t, p.Allowed)
	}
}

type scriptedGovernor struct {
	permits []crawler.Permit
	calls   int
}

func (s *scriptedGovernor) Permit(context.Context, string, float64) (crawler.Permit, error) {
	p := s.permits[s.calls]
	s.calls++
	return p, nil
}

func TestAwaitHonoursWaits(t *testing.T) {
	t.Parallel()

	g := &scriptedGovernor{permits: []crawler.Permit{
		{Wait: 5 * time.Millisecond},
		{Wait: 5 * time.Millisecond},
		{Allowed: true},
	}}
	start := time.Now()
	waited, err := Await(context.Background(), g, "domain:example.com", 1, nil)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, waited)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, 3, g.calls)
}

func TestAwaitStopsOnCancel(t *testing.T) {
	t.Parallel()

	g := &scriptedGovernor{permits: []crawler.Permit{{Wait: time.Hour}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Await(ctx, g, "domain:example.com", 1, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
