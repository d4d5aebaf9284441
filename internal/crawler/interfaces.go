package crawler

import (
	"context"
	"io"
	"time"
)

// LeaseStore is the atomic claim/heartbeat/release primitive over shared work items.
// Implementations must make TryAcquire a single compare-and-swap against the backing store.
type LeaseStore interface {
	// TryAcquire returns the held lease or ErrLeaseDenied when another holder owns an unexpired lease.
	// It is re-entrant: the current holder acquiring again succeeds and restarts AcquiredAt and the ttl.
	TryAcquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (Lease, error)
	// Renew extends the lease; false means the holder no longer owns it.
	Renew(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error)
	// Release ends the lease with a terminal status. Releasing a lease owned by someone else is a no-op.
	Release(ctx context.Context, resourceKey, holderID string, status LeaseStatus) error
	// Reap marks every held-but-expired lease as expired and returns their keys.
	Reap(ctx context.Context) ([]string, error)
	// Get returns the current lease record or ErrNotFound.
	Get(ctx context.Context, resourceKey string) (Lease, error)
}

// Completion describes how a leased entry leaves the leased state.
type Completion struct {
	// At is the completion time; the holder's lease must still be live at At.
	At         time.Time
	Status     EntryStatus
	RetryCount int
	EligibleAt time.Time
	LastError  string
}

// FrontierStore persists frontier entries. Every mutating call is atomic per session.
type FrontierStore interface {
	// Insert adds a new entry. It returns RejectedDuplicate when the hash already exists for
	// the session and RejectedBudgetExhausted when done plus live leases reach budget.
	Insert(ctx context.Context, entry FrontierEntry, budget int, now time.Time) (EnqueueResult, error)
	// Candidates lists claimable entries ordered by priority (desc) then insertion order.
	Candidates(ctx context.Context, sessionID string, now time.Time, limit int) ([]FrontierEntry, error)
	// MarkLeased moves a claimable entry to leased. It returns ErrBudgetExhausted when done
	// plus live leases reach budget and ErrNotClaimable when the entry moved on.
	// Reclaiming an expired lease increments the retry count.
	MarkLeased(
		ctx context.Context,
		sessionID, urlHash, holderID string,
		expiresAt time.Time,
		budget int,
		now time.Time,
	) (FrontierEntry, error)
	// ExtendLease pushes the expiry of an entry whose lease holderID still holds live at now.
	ExtendLease(ctx context.Context, sessionID, urlHash, holderID string, expiresAt, now time.Time) error
	// Complete applies c to an entry holderID still holds live at c.At, else ErrLeaseNotHeld.
	Complete(ctx context.Context, sessionID, urlHash, holderID string, c Completion) (FrontierEntry, error)
	// Counts summarises entries; expired leases count as pending.
	Counts(ctx context.Context, sessionID string, now time.Time) (FrontierCounts, error)
	// List returns every entry of the session.
	List(ctx context.Context, sessionID string) ([]FrontierEntry, error)
	// Restore rehydrates the session from a checkpoint. Visited and failed hashes become
	// terminal tombstones; pending entries are inserted unless already terminal.
	// Entries under a live lease are left to their holder.
	Restore(ctx context.Context, checkpoint Checkpoint, maxRetries int, now time.Time) error
	// Purge removes the session's entries once it is finished.
	Purge(ctx context.Context, sessionID string) error
}

// CounterDelta is applied atomically to session counters.
type CounterDelta struct {
	Crawled    int
	Discovered int
	Failed     int
	// Success resets the consecutive failure streak; Failure extends it.
	Success bool
	Failure bool
}

// SessionStore persists crawl sessions.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	ListByStatus(ctx context.Context, status SessionStatus) ([]Session, error)
	// Transition moves the session to `to` only if its current status is in from, else ErrInvalidTransition.
	Transition(ctx context.Context, id string, from []SessionStatus, to SessionStatus, at time.Time) (Session, error)
	AddCounters(ctx context.Context, id string, delta CounterDelta) (Session, error)
	// RaiseCounters lifts each counter to at least stats in one atomic update. It never lowers a counter.
	RaiseCounters(ctx context.Context, id string, stats CheckpointStats) error
	AppendError(ctx context.Context, id string, record ErrorRecord) error
}

// CheckpointStore persists immutable frontier snapshots.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint Checkpoint) error
	// Latest returns the newest checkpoint or ErrNotFound.
	Latest(ctx context.Context, sessionID string) (Checkpoint, error)
	// Prune discards all but the newest keep checkpoints.
	Prune(ctx context.Context, sessionID string, keep int) error
}

// PageStore persists crawled-page records keyed by (session, url hash).
type PageStore interface {
	// Upsert stores the record; created is false when the page was already recorded.
	Upsert(ctx context.Context, page PageRecord) (created bool, err error)
	List(ctx context.Context, sessionID string, limit, offset int) ([]PageRecord, error)
}

// WorkerRegistry tracks live CrawlWorker registrations.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, worker CrawlWorker, ttl time.Duration) error
	Remove(ctx context.Context, sessionID, workerID string) error
	// List returns workers whose last heartbeat is within their ttl.
	List(ctx context.Context, sessionID string) ([]CrawlWorker, error)
}

// Permit is the answer of a RateGovernor.
type Permit struct {
	Allowed bool
	Wait    time.Duration
}

// RateGovernor limits request issuance per key (domain or external API id).
type RateGovernor interface {
	Permit(ctx context.Context, key string, ratePerSec float64) (Permit, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes crawled-page events to the rule-evaluation collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches and parses a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SitemapSource lists URLs advertised by a site's sitemap.
type SitemapSource interface {
	Discover(ctx context.Context, rootURL string) ([]string, error)
}

// Queue delivers session wake-ups to the dispatcher.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem asks the dispatcher to (re)join a session.
type QueueItem struct {
	SessionID string
	Submitted int64
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and worker IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QuotaRequest asks the billing collaborator whether a crawl may start.
type QuotaRequest struct {
	SessionID  string `json:"session_id"`
	AccountID  string `json:"account_id,omitempty"`
	TargetURL  string `json:"target_url"`
	PageBudget int    `json:"page_budget"`
}

// QuotaDecision is the collaborator's answer.
type QuotaDecision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// QuotaChecker approves or denies a session start.
type QuotaChecker interface {
	Check(ctx context.Context, req QuotaRequest) (QuotaDecision, error)
}

// IssueCounter reports how many issues the rule-evaluation collaborator has found so far.
type IssueCounter interface {
	IssuesFound(ctx context.Context, sessionID string) (int, error)
}
