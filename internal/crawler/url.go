package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// DefaultTrackingParams are query parameters that never change page content.
var DefaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "gclsrc", "dclid", "msclkid",
}

var errMissingSchemeOrHost = errors.New("missing scheme or host")

// URLNormalizer rewrites URLs into the canonical form used for deduplication.
type URLNormalizer struct {
	tracking map[string]struct{}
}

// NewURLNormalizer builds a normalizer that strips the given query parameters.
// A nil slice selects DefaultTrackingParams.
func NewURLNormalizer(trackingParams []string) *URLNormalizer {
	if trackingParams == nil {
		trackingParams = DefaultTrackingParams
	}
	n := &URLNormalizer{tracking: make(map[string]struct{}, len(trackingParams))}
	for _, p := range trackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			n.tracking[p] = struct{}{}
		}
	}
	return n
}

// Normalize lowercases scheme and host, drops default ports, the fragment and
// tracking parameters, cleans the path and sorts the query.
func (n *URLNormalizer) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("normalize %q: %w", rawURL, errMissingSchemeOrHost)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !defaultPort(u.Scheme, port) {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = n.cleanQuery(u.Query())
	u.Path = cleanPath(u.Path)
	u.RawPath = ""

	return u.String(), nil
}

// Hash normalizes rawURL and returns the hex SHA-256 digest along with the normalized form.
func (n *URLNormalizer) Hash(rawURL string) (normalized, hash string, err error) {
	normalized, err = n.Normalize(rawURL)
	if err != nil {
		return "", "", err
	}
	return normalized, HashString(normalized), nil
}

// HashString returns the hex SHA-256 digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Host returns the lowercased hostname of rawURL without its port.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host of %q: %w", rawURL, errMissingSchemeOrHost)
	}
	return strings.ToLower(u.Hostname()), nil
}

func defaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

func (n *URLNormalizer) cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, tracking := n.tracking[strings.ToLower(key)]; !tracking {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := values[key]
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// cleanPath resolves dot-segments and drops trailing slashes, keeping the root.
func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	return strings.TrimRight(path.Clean(p), "/")
}
