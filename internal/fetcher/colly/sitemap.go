package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultSitemapMaxURLs = 10000
	maxSitemapIndexes     = 50
)

// SitemapConfig bounds sitemap discovery.
type SitemapConfig struct {
	UserAgent     string
	RespectRobots bool
	// MaxURLs caps how many page URLs one Discover call returns.
	MaxURLs int
}

// SitemapLoader implements crawler.SitemapSource by reading <root>/sitemap.xml
// and following sitemap indexes one level at a time.
type SitemapLoader struct {
	cfg       SitemapConfig
	transport *robotsAwareTransport
	logger    *zap.Logger
}

// NewSitemapLoader builds a SitemapLoader.
func NewSitemapLoader(cfg SitemapConfig, logger *zap.Logger) *SitemapLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = defaultSitemapMaxURLs
	}
	l := &SitemapLoader{cfg: cfg, logger: logger.Named("sitemap")}
	l.transport = &robotsAwareTransport{base: newHTTPTransport(), onFallback: func(host, reason string) {
		l.logger.Warn("robots.txt unreachable, reading sitemap anyway", zap.String("host", host), zap.String("reason", reason))
	}}
	return l
}

// Discover returns the page URLs listed by the site's sitemap.
func (l *SitemapLoader) Discover(ctx context.Context, rootURL string) ([]string, error) {
	root, err := url.Parse(rootURL)
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("sitemap root %q: invalid url", rootURL)
	}
	sitemapURL := (&url.URL{Scheme: root.Scheme, Host: root.Host, Path: "/sitemap.xml"}).String()

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !l.cfg.RespectRobots
	if l.cfg.UserAgent != "" {
		c.UserAgent = l.cfg.UserAgent
	}
	c.WithTransport(l.transport)

	var (
		mu      sync.Mutex
		urls    []string
		seen    = map[string]struct{}{}
		indexes []string
	)
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(urls) >= l.cfg.MaxURLs {
			return
		}
		if _, dup := seen[loc]; dup {
			return
		}
		seen[loc] = struct{}{}
		urls = append(urls, loc)
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		indexes = append(indexes, loc)
		mu.Unlock()
	})

	if err := visit(ctx, c, sitemapURL); err != nil {
		return nil, err
	}

	for i := 0; i < len(indexes) && i < maxSitemapIndexes; i++ {
		mu.Lock()
		full := len(urls) >= l.cfg.MaxURLs
		mu.Unlock()
		if full {
			break
		}
		if err := visit(ctx, c, indexes[i]); err != nil {
			l.logger.Warn("nested sitemap failed", zap.String("sitemap", indexes[i]), zap.Error(err))
		}
	}
	return urls, nil
}

func visit(ctx context.Context, c *colly.Collector, target string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sitemap canceled: %w", err)
	}
	if err := c.Visit(target); err != nil {
		var ave *colly.AlreadyVisitedError
		if errors.As(err, &ave) {
			return nil
		}
		return fmt.Errorf("sitemap visit %s: %w", target, err)
	}
	return nil
}
