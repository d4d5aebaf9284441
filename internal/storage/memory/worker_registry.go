package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

type registration struct {
	worker    crawler.CrawlWorker
	expiresAt time.Time
}

// WorkerRegistry tracks heartbeating workers per session.
type WorkerRegistry struct {
	mu      sync.Mutex
	clock   crawler.Clock
	workers map[string]map[string]registration
}

// NewWorkerRegistry constructs a WorkerRegistry. A nil clock uses the system clock.
func NewWorkerRegistry(clock crawler.Clock) *WorkerRegistry {
	if clock == nil {
		clock = system.New()
	}
	return &WorkerRegistry{clock: clock, workers: make(map[string]map[string]registration)}
}

// Heartbeat upserts the worker registration.
func (r *WorkerRegistry) Heartbeat(_ context.Context, worker crawler.CrawlWorker, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	worker.LastHeartbeatAt = now
	bySession, ok := r.workers[worker.SessionID]
	if !ok {
		bySession = make(map[string]registration)
		r.workers[worker.SessionID] = bySession
	}
	bySession[worker.WorkerID] = registration{worker: worker, expiresAt: now.Add(ttl)}
	return nil
}

// Remove deletes a worker registration.
func (r *WorkerRegistry) Remove(_ context.Context, sessionID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers[sessionID], workerID)
	return nil
}

// List returns live workers of a session, dropping expired registrations.
func (r *WorkerRegistry) List(_ context.Context, sessionID string) ([]crawler.CrawlWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []crawler.CrawlWorker
	for id, reg := range r.workers[sessionID] {
		if !reg.expiresAt.After(now) {
			delete(r.workers[sessionID], id)
			continue
		}
		out = append(out, reg.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
