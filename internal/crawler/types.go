// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// SessionConfig captures the per-session crawl knobs requested by the caller.
type SessionConfig struct {
	TargetURL        string   `json:"target_url"`
	MaxDepth         int      `json:"max_depth"`
	PageBudget       int      `json:"page_budget"`
	SpeedLimitPerSec float64  `json:"speed_limit_per_sec"`
	IncludePatterns  []string `json:"include_patterns,omitempty"`
	ExcludePatterns  []string `json:"exclude_patterns,omitempty"`
	PriorityPatterns []string `json:"priority_patterns,omitempty"`
	SitemapFirst     bool     `json:"sitemap_first"`
	MaxRetries       int      `json:"max_retries"`
}

// Session represents one audit run of one website.
type Session struct {
	ID                  string        `json:"id"`
	Status              SessionStatus `json:"status"`
	Config              SessionConfig `json:"config"`
	PagesCrawled        int           `json:"pages_crawled"`
	PagesDiscovered     int           `json:"pages_discovered"`
	PagesFailed         int           `json:"pages_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CreatedAt           time.Time     `json:"created_at"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	PausedAt            *time.Time    `json:"paused_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	ErrorLog            []ErrorRecord `json:"error_log,omitempty"`
}

// ErrorClass is the failure taxonomy applied to every recorded failure.
type ErrorClass string

// Failure classes.
const (
	ClassTransient      ErrorClass = "transient"
	ClassExhausted      ErrorClass = "retries_exhausted"
	ClassPermanent      ErrorClass = "permanent"
	ClassFatal          ErrorClass = "fatal"
	ClassInfrastructure ErrorClass = "infrastructure"
)

// ErrorRecord is one entry in a session's error log.
type ErrorRecord struct {
	URL     string     `json:"url,omitempty"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// EntryStatus is the state of a frontier entry.
type EntryStatus string

// Frontier entry states.
const (
	EntryPending EntryStatus = "pending"
	EntryLeased  EntryStatus = "leased"
	EntryDone    EntryStatus = "done"
	EntryFailed  EntryStatus = "failed"
)

// Priority bands assigned at enqueue time. Higher is fetched first.
const (
	PriorityOrganic = 0
	PriorityPattern = 10
	PrioritySitemap = 20
	PriorityRoot    = 100
)

// DefaultMaxRetries applies when a session does not configure MaxRetries.
const DefaultMaxRetries = 3

// FrontierEntry is one discovered URL of one session.
type FrontierEntry struct {
	SessionID      string      `json:"session_id"`
	URL            string      `json:"url"`
	URLHash        string      `json:"url_hash"`
	Depth          int         `json:"depth"`
	Priority       int         `json:"priority"`
	Seq            int64       `json:"seq"`
	Status         EntryStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	LeasedBy       string      `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	EligibleAt     time.Time   `json:"eligible_at"`
	LastError      string      `json:"last_error,omitempty"`
}

// Claimable reports whether the entry may be leased at now: it is pending and
// past its backoff, or its previous lease has expired.
func (e FrontierEntry) Claimable(now time.Time) bool {
	switch e.Status {
	case EntryPending:
		return !e.EligibleAt.After(now)
	case EntryLeased:
		return e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// LiveLease reports whether the entry holds an unexpired lease at now.
func (e FrontierEntry) LiveLease(now time.Time) bool {
	return e.Status == EntryLeased && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// Exhausted reports whether the entry has used up its retries.
func (e FrontierEntry) Exhausted() bool {
	return e.RetryCount > e.MaxRetries
}

// LeaseStatus is the state of a lease record.
type LeaseStatus string

// Lease states.
const (
	LeaseHeld     LeaseStatus = "held"
	LeaseReleased LeaseStatus = "released"
	LeaseExpired  LeaseStatus = "expired"
)

// Lease is a time-bounded exclusive claim on a resource key.
type Lease struct {
	ResourceKey string      `json:"resource_key"`
	HolderID    string      `json:"holder_id"`
	AcquiredAt  time.Time   `json:"acquired_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Status      LeaseStatus `json:"status"`
}

// Free reports whether another holder may take the resource at now.
func (l Lease) Free(now time.Time) bool {
	return l.Status != LeaseHeld || !l.ExpiresAt.After(now)
}

// CheckpointStats carries the counters resumed on restore.
type CheckpointStats struct {
	PagesCrawled    int `json:"pages_crawled"`
	PagesDiscovered int `json:"pages_discovered"`
	PagesFailed     int `json:"pages_failed"`
}

// PendingEntry is the minimal information needed to rehydrate an unfinished entry.
type PendingEntry struct {
	URL        string `json:"url"`
	URLHash    string `json:"url_hash"`
	Depth      int    `json:"depth"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
}

// Checkpoint is an immutable snapshot of a session's frontier.
type Checkpoint struct {
	SessionID        string          `json:"session_id"`
	VisitedURLHashes []string        `json:"visited_url_hashes"`
	PendingURLHashes []string        `json:"pending_url_hashes"`
	FailedURLHashes  []string        `json:"failed_url_hashes"`
	Pending          []PendingEntry  `json:"pending"`
	Stats            CheckpointStats `json:"stats"`
	TakenAt          time.Time       `json:"taken_at"`
}

// WorkerStatus is the state advertised by a registered worker.
type WorkerStatus string

// Worker states.
const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerFetching WorkerStatus = "fetching"
	WorkerWaiting  WorkerStatus = "waiting"
)

// CrawlWorker is the ephemeral registration of an active executor.
type CrawlWorker struct {
	WorkerID        string       `json:"worker_id"`
	SessionID       string       `json:"session_id"`
	CurrentURL      string       `json:"current_url,omitempty"`
	Status          WorkerStatus `json:"status"`
	ProcessedCount  int          `json:"processed_count"`
	ErrorCount      int          `json:"error_count"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// RateWindow is a fixed window counter for one rate-limited key.
type RateWindow struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// Outcome is the terminal disposition reported to Frontier.MarkDone.
type Outcome string

// Outcomes for a leased entry.
const (
	OutcomeDone   Outcome = "done"
	OutcomeRetry  Outcome = "retry"
	OutcomeFailed Outcome = "failed"
)

// EnqueueResult is the answer of Frontier.Enqueue.
type EnqueueResult string

// Enqueue results.
const (
	Accepted                EnqueueResult = "accepted"
	RejectedDuplicate       EnqueueResult = "rejected_duplicate"
	RejectedDepthExceeded   EnqueueResult = "rejected_depth_exceeded"
	RejectedBudgetExhausted EnqueueResult = "rejected_budget_exhausted"
	RejectedOutOfScope      EnqueueResult = "rejected_out_of_scope"
)

// FrontierCounts summarises a session's entries by state.
type FrontierCounts struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Outstanding is the number of entries that may still produce a fetch.
func (c FrontierCounts) Outstanding() int {
	return c.Pending + c.Leased
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SessionID string
	URL       string
	Depth     int
	Headers   http.Header
	// Method defaults to GET. HEAD skips the body and link extraction.
	Method string
}

// FetchResponse is the opaque (headers, status, body, links) tuple returned by a Fetcher.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Links      []string
	Duration   time.Duration
}

// PageRecord is persisted for each crawled page.
type PageRecord struct {
	SessionID      string      `json:"session_id"`
	URL            string      `json:"url"`
	URLHash        string      `json:"url_hash"`
	Depth          int         `json:"depth"`
	StatusCode     int         `json:"status_code"`
	Headers        http.Header `json:"headers"`
	BodyRef        string      `json:"body_ref"`
	ContentHash    string      `json:"content_hash"`
	ExtractedLinks []string    `json:"extracted_links"`
	LoadTimeMs     int64       `json:"load_time_ms"`
	FetchedAt      time.Time   `json:"fetched_at"`
}

// CrawledPageEvent is pushed to the rule-evaluation collaborator for each page.
type CrawledPageEvent struct {
	SessionID      string      `json:"session_id"`
	PageURL        string      `json:"page_url"`
	HTTPStatus     int         `json:"http_status"`
	Headers        http.Header `json:"headers"`
	BodyRef        string      `json:"body_ref"`
	ExtractedLinks []string    `json:"extracted_links"`
	LoadTimeMs     int64       `json:"load_time_ms"`
}

// EventFromPage converts a stored page into the collaborator payload.
func EventFromPage(p PageRecord) CrawledPageEvent {
	return CrawledPageEvent{
		SessionID:      p.SessionID,
		PageURL:        p.URL,
		HTTPStatus:     p.StatusCode,
		Headers:        p.Headers,
		BodyRef:        p.BodyRef,
		ExtractedLinks: p.ExtractedLinks,
		LoadTimeMs:     p.LoadTimeMs,
	}
}

// PageOutcome is what a worker reports after settling one frontier entry.
type PageOutcome struct {
	URL string
	// Crawled is true when the page was persisted and its entry marked done.
	Crawled bool
	// Discovered counts links the frontier accepted from this page.
	Discovered int
	// Failed is true when the entry reached the failed state.
	Failed bool
	// Error is set for every failed attempt, retried or not.
	Error *ErrorRecord
}
