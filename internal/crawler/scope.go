package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Scope decides which discovered URLs belong to a session and how urgently they are crawled.
type Scope struct {
	host     string
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	priority []*regexp.Regexp
}

// NewScope compiles the session's patterns. Invalid expressions are reported as errors.
func NewScope(cfg SessionConfig) (*Scope, error) {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target url %q: %w", cfg.TargetURL, errMissingSchemeOrHost)
	}
	s := &Scope{host: siteHost(u.Hostname())}
	if s.include, err = compileAll("include", cfg.IncludePatterns); err != nil {
		return nil, err
	}
	if s.exclude, err = compileAll("exclude", cfg.ExcludePatterns); err != nil {
		return nil, err
	}
	if s.priority, err = compileAll("priority", cfg.PriorityPatterns); err != nil {
		return nil, err
	}
	return s, nil
}

// Allows reports whether a normalized URL is on the target site and passes the pattern filters.
func (s *Scope) Allows(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if siteHost(u.Hostname()) != s.host {
		return false
	}
	if matchAny(s.exclude, normalized) {
		return false
	}
	return len(s.include) == 0 || matchAny(s.include, normalized)
}

// Excluded reports whether the URL matches an explicit exclude pattern.
func (s *Scope) Excluded(normalized string) bool {
	return matchAny(s.exclude, normalized)
}

// Priority returns base, raised to PriorityPattern when a priority pattern matches.
func (s *Scope) Priority(normalized string, base int) int {
	if base < PriorityPattern && matchAny(s.priority, normalized) {
		return PriorityPattern
	}
	return base
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, raw, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// siteHost folds the www. prefix so example.com and www.example.com are one site.
func siteHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
