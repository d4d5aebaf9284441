package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// WorkerRegistry stores each CrawlWorker as a JSON value with a TTL; liveness is the key existing.
type WorkerRegistry struct {
	client goredis.UniversalClient
	clock  crawler.Clock
	prefix string
}

// NewWorkerRegistry builds a WorkerRegistry. An empty prefix selects DefaultKeyPrefix.
func NewWorkerRegistry(client goredis.UniversalClient, clock crawler.Clock, prefix string) (*WorkerRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &WorkerRegistry{client: client, clock: clock, prefix: prefix}, nil
}

func (r *WorkerRegistry) workerKey(sessionID, workerID string) string {
	return r.prefix + "worker:" + sessionID + ":" + workerID
}

func (r *WorkerRegistry) indexKey(sessionID string) string {
	return r.prefix + "workers:" + sessionID
}

// Heartbeat writes the registration with a fresh TTL.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, worker crawler.CrawlWorker, ttl time.Duration) error {
	worker.LastHeartbeatAt = r.clock.Now()
	payload, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.workerKey(worker.SessionID, worker.WorkerID), payload, ttl)
		pipe.SAdd(ctx, r.indexKey(worker.SessionID), worker.WorkerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", worker.WorkerID, err)
	}
	return nil
}

// Remove deletes a registration.
func (r *WorkerRegistry) Remove(ctx context.Context, sessionID, workerID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.workerKey(sessionID, workerID))
		pipe.SRem(ctx, r.indexKey(sessionID), workerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove worker %s: %w", workerID, err)
	}
	return nil
}

// List returns registrations whose key has not expired, pruning the index of dead ones.
func (r *WorkerRegistry) List(ctx context.Context, sessionID string) ([]crawler.CrawlWorker, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list worker ids: %w", err)
	}
	var out []crawler.CrawlWorker
	for _, id := range ids {
		raw, err := r.client.Get(ctx, r.workerKey(sessionID, id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			r.client.SRem(ctx, r.indexKey(sessionID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get worker %s: %w", id, err)
		}
		var w crawler.CrawlWorker
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode worker %s: %w", id, err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
