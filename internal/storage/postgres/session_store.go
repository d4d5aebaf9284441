package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const sessionColumns = `id, status, config, pages_crawled, pages_discovered, pages_failed,
consecutive_failures, created_at, started_at, paused_at, completed_at`

const insertSessionSQL = `
INSERT INTO crawl_sessions (id, status, config, created_at)
VALUES ($1, $2, $3, $4)`

const getSessionSQL = `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1`

const listSessionErrorsSQL = `
SELECT url, class, message, at FROM crawl_session_errors WHERE session_id = $1 ORDER BY id`

const listSessionsByStatusSQL = `
SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE status = $1 ORDER BY created_at`

const transitionSessionSQL = `
UPDATE crawl_sessions
SET status = $2::text,
    started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
    paused_at = CASE WHEN $2::text = 'paused' THEN $4 WHEN $2::text = 'running' THEN NULL ELSE paused_at END,
    completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $4 ELSE completed_at END
WHERE id = $1 AND status = ANY($3::text[])
RETURNING ` + sessionColumns

const addCountersSQL = `
UPDATE crawl_sessions
SET pages_crawled = pages_crawled + $2,
    pages_discovered = pages_discovered + $3,
    pages_failed = pages_failed + $4,
    consecutive_failures = CASE WHEN $5::boolean THEN 0
                                WHEN $6::boolean THEN consecutive_failures + 1
                                ELSE consecutive_failures END
WHERE id = $1
RETURNING ` + sessionColumns

const raiseCountersSQL = `
UPDATE crawl_sessions
SET pages_crawled = GREATEST(pages_crawled, $2),
    pages_discovered = GREATEST(pages_discovered, $3),
    pages_failed = GREATEST(pages_failed, $4)
WHERE id = $1`

const appendSessionErrorSQL = `
INSERT INTO crawl_session_errors (session_id, url, class, message, at) VALUES ($1, $2, $3, $4, $5)`

// SessionStore implements crawler.SessionStore on crawl_sessions and crawl_session_errors.
type SessionStore struct {
	db DB
}

// NewSessionStore builds a SessionStore.
func NewSessionStore(db DB) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{db: db}, nil
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, session crawler.Session) error {
	cfg, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertSessionSQL, session.ID, session.Status, cfg, session.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads a session and its error log.
func (s *SessionStore) Get(ctx context.Context, id string) (crawler.Session, error) {
	session, err := scanSession(s.db.QueryRow(ctx, getSessionSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Session{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	rows, err := s.db.Query(ctx, listSessionErrorsSQL, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("list session errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec crawler.ErrorRecord
		if err := rows.Scan(&rec.URL, &rec.Class, &rec.Message, &rec.At); err != nil {
			return crawler.Session{}, fmt.Errorf("scan session error: %w", err)
		}
		session.ErrorLog = append(session.ErrorLog, rec)
	}
	if err := rows.Err(); err != nil {
		return crawler.Session{}, fmt.Errorf("iterate session errors: %w", err)
	}
	return session, nil
}

// ListByStatus returns sessions in status, oldest first. Error logs are not loaded.
func (s *SessionStore) ListByStatus(ctx context.Context, status crawler.SessionStatus) ([]crawler.Session, error) {
	rows, err := s.db.Query(ctx, listSessionsByStatusSQL, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []crawler.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Transition is a compare-and-swap on the session status.
func (s *SessionStore) Transition(
	ctx context.Context,
	id string,
	from []crawler.SessionStatus,
	to crawler.SessionStatus,
	at time.Time,
) (crawler.Session, error) {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	session, err := scanSession(s.db.QueryRow(ctx, transitionSessionSQL, id, to, allowed, at))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return crawler.Session{}, getErr
		}
		return current, crawler.ErrInvalidTransition
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("transition session %s: %w", id, err)
	}
	return session, nil
}

// AddCounters applies delta in one UPDATE.
func (s *SessionStore) AddCounters(ctx context.Context, id string, delta crawler.CounterDelta) (crawler.Session, error) {
	session, err := scanSession(s.db.QueryRow(ctx, addCountersSQL,
		id,
		delta.Crawled,
		delta.Discovered,
		delta.Failed,
		delta.Success,
		delta.Failure,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Session{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("add session counters: %w", err)
	}
	return session, nil
}

// RaiseCounters lifts counters to at least stats in one UPDATE.
func (s *SessionStore) RaiseCounters(ctx context.Context, id string, stats crawler.CheckpointStats) error {
	tag, err := s.db.Exec(ctx, raiseCountersSQL, id, stats.PagesCrawled, stats.PagesDiscovered, stats.PagesFailed)
	if err != nil {
		return fmt.Errorf("raise session counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// AppendError inserts an error log row.
func (s *SessionStore) AppendError(ctx context.Context, id string, record crawler.ErrorRecord) error {
	if _, err := s.db.Exec(ctx, appendSessionErrorSQL, id, record.URL, record.Class, record.Message, record.At); err != nil {
		return fmt.Errorf("append session error: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (crawler.Session, error) {
	var (
		session crawler.Session
		cfg     []byte
	)
	err := row.Scan(
		&session.ID,
		&session.Status,
		&cfg,
		&session.PagesCrawled,
		&session.PagesDiscovered,
		&session.PagesFailed,
		&session.ConsecutiveFailures,
		&session.CreatedAt,
		&session.StartedAt,
		&session.PausedAt,
		&session.CompletedAt,
	)
	if err != nil {
		return crawler.Session{}, err
	}
	if err := json.Unmarshal(cfg, &session.Config); err != nil {
		return crawler.Session{}, fmt.Errorf("decode session config: %w", err)
	}
	return session, nil
}
