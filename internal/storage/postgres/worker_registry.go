package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const heartbeatWorkerSQL = `
INSERT INTO crawl_workers (session_id, worker_id, current_url, status, processed_count, error_count,
                           last_heartbeat_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, worker_id) DO UPDATE
SET current_url = EXCLUDED.current_url,
    status = EXCLUDED.status,
    processed_count = EXCLUDED.processed_count,
    error_count = EXCLUDED.error_count,
    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
    expires_at = EXCLUDED.expires_at`

const removeWorkerSQL = `DELETE FROM crawl_workers WHERE session_id = $1 AND worker_id = $2`

const listWorkersSQL = `
SELECT worker_id, session_id, current_url, status, processed_count, error_count, last_heartbeat_at
FROM crawl_workers
WHERE session_id = $1 AND expires_at > $2
ORDER BY worker_id`

// WorkerRegistry stores CrawlWorker registrations in crawl_workers.
type WorkerRegistry struct {
	db    DB
	clock crawler.Clock
}

// NewWorkerRegistry builds a WorkerRegistry. A nil clock uses the system clock.
func NewWorkerRegistry(db DB, clock crawler.Clock) (*WorkerRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &WorkerRegistry{db: db, clock: clock}, nil
}

// Heartbeat upserts the registration and pushes its expiry.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, worker crawler.CrawlWorker, ttl time.Duration) error {
	now := r.clock.Now()
	_, err := r.db.Exec(ctx, heartbeatWorkerSQL,
		worker.SessionID,
		worker.WorkerID,
		worker.CurrentURL,
		worker.Status,
		worker.ProcessedCount,
		worker.ErrorCount,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", worker.WorkerID, err)
	}
	return nil
}

// Remove deletes a registration.
func (r *WorkerRegistry) Remove(ctx context.Context, sessionID, workerID string) error {
	if _, err := r.db.Exec(ctx, removeWorkerSQL, sessionID, workerID); err != nil {
		return fmt.Errorf("remove worker %s: %w", workerID, err)
	}
	return nil
}

// List returns live registrations of a session.
func (r *WorkerRegistry) List(ctx context.Context, sessionID string) ([]crawler.CrawlWorker, error) {
	rows, err := r.db.Query(ctx, listWorkersSQL, sessionID, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlWorker
	for rows.Next() {
		var w crawler.CrawlWorker
		if err := rows.Scan(
			&w.WorkerID,
			&w.SessionID,
			&w.CurrentURL,
			&w.Status,
			&w.ProcessedCount,
			&w.ErrorCount,
			&w.LastHeartbeatAt,
		); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}
