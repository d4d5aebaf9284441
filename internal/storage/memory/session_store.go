package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// SessionStore provides an in-memory implementation for development/testing.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]crawler.Session)}
}

// Create stores a new session.
func (s *SessionStore) Create(_ context.Context, session crawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return errors.New("session already exists")
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(_ context.Context, id string) (crawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrNotFound
	}
	return cloneSession(session), nil
}

// ListByStatus returns sessions in status ordered by creation time.
func (s *SessionStore) ListByStatus(_ context.Context, status crawler.SessionStatus) ([]crawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Session
	for _, session := range s.sessions {
		if session.Status == status {
			out = append(out, cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Transition moves a session from one of from to to.
func (s *SessionStore) Transition(
	_ context.Context,
	id string,
	from []crawler.SessionStatus,
	to crawler.SessionStatus,
	at time.Time,
) (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrNotFound
	}
	if !slices.Contains(from, session.Status) {
		return cloneSession(session), crawler.ErrInvalidTransition
	}
	applyTransition(&session, to, at)
	s.sessions[id] = session
	return cloneSession(session), nil
}

// AddCounters applies delta to the session counters.
func (s *SessionStore) AddCounters(_ context.Context, id string, delta crawler.CounterDelta) (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrNotFound
	}
	session.PagesCrawled += delta.Crawled
	session.PagesDiscovered += delta.Discovered
	session.PagesFailed += delta.Failed
	switch {
	case delta.Success:
		session.ConsecutiveFailures = 0
	case delta.Failure:
		session.ConsecutiveFailures++
	}
	s.sessions[id] = session
	return cloneSession(session), nil
}

// RaiseCounters lifts the counters to at least stats.
func (s *SessionStore) RaiseCounters(_ context.Context, id string, stats crawler.CheckpointStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.ErrNotFound
	}
	session.PagesCrawled = max(session.PagesCrawled, stats.PagesCrawled)
	session.PagesDiscovered = max(session.PagesDiscovered, stats.PagesDiscovered)
	session.PagesFailed = max(session.PagesFailed, stats.PagesFailed)
	s.sessions[id] = session
	return nil
}

// AppendError records a failure on the session's error log.
func (s *SessionStore) AppendError(_ context.Context, id string, record crawler.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.ErrNotFound
	}
	session.ErrorLog = append(session.ErrorLog, record)
	s.sessions[id] = session
	return nil
}

// applyTransition stamps the lifecycle timestamps for the new status.
func applyTransition(session *crawler.Session, to crawler.SessionStatus, at time.Time) {
	session.Status = to
	switch to {
	case crawler.SessionRunning:
		if session.StartedAt == nil {
			session.StartedAt = pointerTime(at)
		}
		session.PausedAt = nil
	case crawler.SessionPaused:
		session.PausedAt = pointerTime(at)
	case crawler.SessionCompleted, crawler.SessionFailed:
		session.CompletedAt = pointerTime(at)
	}
}

func cloneSession(s crawler.Session) crawler.Session {
	s.ErrorLog = append([]crawler.ErrorRecord(nil), s.ErrorLog...)
	s.Config.IncludePatterns = append([]string(nil), s.Config.IncludePatterns...)
	s.Config.ExcludePatterns = append([]string(nil), s.Config.ExcludePatterns...)
	s.Config.PriorityPatterns = append([]string(nil), s.Config.PriorityPatterns...)
	return s
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
