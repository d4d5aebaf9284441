package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// Status is the read model served for a session.
type Status struct {
	SessionID       string                 `json:"session_id"`
	Status          crawler.SessionStatus  `json:"status"`
	PagesCrawled    int                    `json:"pages_crawled"`
	PagesDiscovered int                    `json:"pages_discovered"`
	PagesFailed     int                    `json:"pages_failed"`
	PageBudget      int                    `json:"page_budget"`
	IssuesFound     int                    `json:"issues_found"`
	CurrentURLs     []string               `json:"current_urls"`
	ActiveWorkers   int                    `json:"active_workers"`
	Frontier        crawler.FrontierCounts `json:"frontier"`
	PagesPerSecond  float64                `json:"pages_per_second"`
	// ETASeconds is nil until a crawl rate can be measured.
	ETASeconds  *float64   `json:"eta_seconds,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RecentError *string    `json:"recent_error,omitempty"`
}

// Get returns the stored session.
func (s *Service) Get(ctx context.Context, id string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return session, nil
}

// Status assembles the progress view. Issue counts and worker listings are
// best effort; a failing collaborator leaves them empty.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	view := Status{
		SessionID:       session.ID,
		Status:          session.Status,
		PagesCrawled:    session.PagesCrawled,
		PagesDiscovered: session.PagesDiscovered,
		PagesFailed:     session.PagesFailed,
		PageBudget:      session.Config.PageBudget,
		CurrentURLs:     []string{},
		CreatedAt:       session.CreatedAt,
		StartedAt:       session.StartedAt,
		CompletedAt:     session.CompletedAt,
	}
	if n := len(session.ErrorLog); n > 0 {
		msg := session.ErrorLog[n-1].Message
		view.RecentError = &msg
	}

	counts, err := s.deps.Frontier.Counts(ctx, id)
	if err != nil {
		return Status{}, err
	}
	view.Frontier = counts

	if s.deps.Registry != nil {
		workers, err := s.deps.Registry.List(ctx, id)
		if err != nil {
			s.logger.Warn("list workers", zap.String("session_id", id), zap.Error(err))
		}
		view.ActiveWorkers = len(workers)
		for _, w := range workers {
			if w.CurrentURL != "" {
				view.CurrentURLs = append(view.CurrentURLs, w.CurrentURL)
			}
		}
	}
	if s.deps.Issues != nil {
		issues, err := s.deps.Issues.IssuesFound(ctx, id)
		if err != nil {
			s.logger.Warn("count issues", zap.String("session_id", id), zap.Error(err))
		}
		view.IssuesFound = issues
	}

	view.PagesPerSecond, view.ETASeconds = s.estimate(session)
	return view, nil
}

// estimate derives the crawl rate from the running time and projects the
// remaining pages, bounded by both budget and what has been discovered.
func (s *Service) estimate(session crawler.Session) (float64, *float64) {
	if session.StartedAt == nil || session.PagesCrawled == 0 {
		return 0, nil
	}
	end := s.deps.Clock.Now()
	if session.CompletedAt != nil {
		end = *session.CompletedAt
	} else if session.PausedAt != nil {
		end = *session.PausedAt
	}
	elapsed := end.Sub(*session.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	rate := float64(session.PagesCrawled) / elapsed
	if session.Status.Terminal() {
		zero := 0.0
		return rate, &zero
	}
	target := session.PagesDiscovered
	if budget := session.Config.PageBudget; budget > 0 && budget < target {
		target = budget
	}
	remaining := max(target-session.PagesCrawled, 0)
	eta := float64(remaining) / rate
	return rate, &eta
}
