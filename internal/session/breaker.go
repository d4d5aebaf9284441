package session

import (
	"fmt"
	"sync"
)

// BreakerConfig trips a session when most of its recent attempts failed.
type BreakerConfig struct {
	Window     int
	Ratio      float64
	MinSamples int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window <= 0 {
		c.Window = 50
	}
	if c.Ratio <= 0 || c.Ratio > 1 {
		c.Ratio = 0.8
	}
	if c.MinSamples <= 0 || c.MinSamples > c.Window {
		c.MinSamples = min(20, c.Window)
	}
	return c
}

// breaker keeps a rolling window of terminal outcomes per session. It is local
// to the process; every process sees a sample of the session's outcomes.
type breaker struct {
	cfg     BreakerConfig
	mu      sync.Mutex
	windows map[string]*ring
}

type ring struct {
	outcomes []bool
	next     int
	filled   int
	failures int
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, windows: make(map[string]*ring)}
}

// record adds one terminal outcome and reports whether the session should fail.
func (b *breaker) record(sessionID string, failed bool) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.windows[sessionID]
	if !ok {
		r = &ring{outcomes: make([]bool, b.cfg.Window)}
		b.windows[sessionID] = r
	}
	if r.filled == len(r.outcomes) && r.outcomes[r.next] {
		r.failures--
	}
	r.outcomes[r.next] = failed
	r.next = (r.next + 1) % len(r.outcomes)
	if r.filled < len(r.outcomes) {
		r.filled++
	}
	if failed {
		r.failures++
	}
	if r.filled < b.cfg.MinSamples {
		return "", false
	}
	ratio := float64(r.failures) / float64(r.filled)
	if ratio < b.cfg.Ratio {
		return "", false
	}
	return fmt.Sprintf("failure rate %.0f%% over last %d pages", ratio*100, r.filled), true
}

func (b *breaker) forget(sessionID string) {
	b.mu.Lock()
	delete(b.windows, sessionID)
	b.mu.Unlock()
}
