// Package quota asks the billing collaborator whether a session may start.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
	"github.com/JakeFAU/siteaudit-crawler/internal/policy/ratelimit"
)

const (
	defaultName    = "billing"
	defaultAccount = "default"
	leaseRetry     = 100 * time.Millisecond
)

// AllowAll approves every request.
type AllowAll struct{}

// Check implements crawler.QuotaChecker.
func (AllowAll) Check(context.Context, crawler.QuotaRequest) (crawler.QuotaDecision, error) {
	return crawler.QuotaDecision{Allowed: true, Remaining: -1}, nil
}

// Config describes the billing endpoint.
type Config struct {
	// Name identifies the external API in rate and lease keys.
	Name     string
	Endpoint string
	// RatePerSec caps calls to the endpoint across every caller sharing the governor.
	RatePerSec float64
	Timeout    time.Duration
}

// Client calls the billing endpoint. Calls are rate limited under api:<name>
// and serialized per account by a lease on api:<name>:<account>.
type Client struct {
	cfg      Config
	http     *http.Client
	governor crawler.RateGovernor
	leases   crawler.LeaseStore
	ids      crawler.IDGenerator
	logger   *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(
	cfg Config,
	httpClient *http.Client,
	governor crawler.RateGovernor,
	leases crawler.LeaseStore,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("quota endpoint is required")
	}
	if governor == nil || leases == nil || ids == nil {
		return nil, errors.New("quota client requires a governor, lease store and id generator")
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		governor: governor,
		leases:   leases,
		ids:      ids,
		logger:   logger.Named("quota"),
	}, nil
}

// Check implements crawler.QuotaChecker.
func (c *Client) Check(ctx context.Context, req crawler.QuotaRequest) (crawler.QuotaDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rateKey := crawler.APIKey(c.cfg.Name)
	waited, err := ratelimit.Await(ctx, c.governor, rateKey, c.cfg.RatePerSec, c.logger)
	if waited > 0 {
		metrics.ObserveRateLimitDelay(rateKey, waited)
	}
	if err != nil {
		return crawler.QuotaDecision{}, err
	}

	holder, err := c.ids.NewID()
	if err != nil {
		return crawler.QuotaDecision{}, fmt.Errorf("quota request id: %w", err)
	}
	key := c.leaseKey(req.AccountID)
	if err := c.acquire(ctx, key, holder); err != nil {
		return crawler.QuotaDecision{}, err
	}
	defer func() {
		// The lease must be released even when ctx has expired.
		if rerr := c.leases.Release(context.WithoutCancel(ctx), key, holder, crawler.LeaseReleased); rerr != nil {
			c.logger.Warn("release quota lease", zap.String("key", key), zap.Error(rerr))
		}
	}()

	return c.call(ctx, req)
}

func (c *Client) leaseKey(account string) string {
	if account == "" {
		account = defaultAccount
	}
	return crawler.APIKey(c.cfg.Name) + ":" + account
}

func (c *Client) acquire(ctx context.Context, key, holder string) error {
	for {
		_, err := c.leases.TryAcquire(ctx, key, holder, c.cfg.Timeout)
		metrics.ObserveLease("api", err == nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, crawler.ErrLeaseDenied) {
			return fmt.Errorf("acquire quota lease: %w", err)
		}
		timer := time.NewTimer(leaseRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("quota lease %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) call(ctx context.Context, req crawler.QuotaRequest) (crawler.QuotaDecision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return crawler.QuotaDecision{}, fmt.Errorf("marshal quota request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return crawler.QuotaDecision{}, fmt.Errorf("build quota request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return crawler.QuotaDecision{}, fmt.Errorf("quota request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close quota response", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return crawler.QuotaDecision{}, fmt.Errorf("quota endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var decision crawler.QuotaDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return crawler.QuotaDecision{}, fmt.Errorf("decode quota decision: %w", err)
	}
	c.logger.Debug("quota decision",
		zap.String("session_id", req.SessionID),
		zap.Bool("allowed", decision.Allowed),
		zap.Int("remaining", decision.Remaining),
	)
	return decision, nil
}
