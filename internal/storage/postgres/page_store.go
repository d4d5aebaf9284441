package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// upsertPageSQL reports via xmax whether the row was inserted (0) or updated.
const upsertPageSQL = `
INSERT INTO crawled_pages (
	session_id,
	url_hash,
	url,
	depth,
	status_code,
	headers,
	body_ref,
	content_hash,
	extracted_links,
	load_time_ms,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (session_id, url_hash) DO UPDATE
SET status_code = EXCLUDED.status_code,
    headers = EXCLUDED.headers,
    body_ref = EXCLUDED.body_ref,
    content_hash = EXCLUDED.content_hash,
    extracted_links = EXCLUDED.extracted_links,
    load_time_ms = EXCLUDED.load_time_ms,
    fetched_at = EXCLUDED.fetched_at
RETURNING (xmax = 0)`

const listPagesSQL = `
SELECT session_id, url_hash, url, depth, status_code, headers, body_ref, content_hash,
       extracted_links, load_time_ms, fetched_at
FROM crawled_pages
WHERE session_id = $1
ORDER BY recorded_seq
LIMIT $2 OFFSET $3`

// PageStore writes crawled-page rows idempotently.
type PageStore struct {
	db DB
}

// NewPageStore builds a PageStore.
func NewPageStore(db DB) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{db: db}, nil
}

// Upsert stores page keyed by (session, url hash).
func (s *PageStore) Upsert(ctx context.Context, page crawler.PageRecord) (bool, error) {
	if page.SessionID == "" || page.URLHash == "" {
		return false, fmt.Errorf("session id and url hash are required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(page.Headers))
	if err != nil {
		return false, fmt.Errorf("marshal headers: %w", err)
	}
	links := page.ExtractedLinks
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return false, fmt.Errorf("marshal links: %w", err)
	}
	var inserted bool
	err = s.db.QueryRow(ctx, upsertPageSQL,
		page.SessionID,
		page.URLHash,
		page.URL,
		page.Depth,
		page.StatusCode,
		headersJSON,
		page.BodyRef,
		page.ContentHash,
		linksJSON,
		page.LoadTimeMs,
		page.FetchedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert page: %w", err)
	}
	return inserted, nil
}

// List returns pages in first-recorded order.
func (s *PageStore) List(ctx context.Context, sessionID string, limit, offset int) ([]crawler.PageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, listPagesSQL, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()
	out := []crawler.PageRecord{}
	for rows.Next() {
		var (
			page        crawler.PageRecord
			headersJSON []byte
			linksJSON   []byte
		)
		if err := rows.Scan(
			&page.SessionID,
			&page.URLHash,
			&page.URL,
			&page.Depth,
			&page.StatusCode,
			&headersJSON,
			&page.BodyRef,
			&page.ContentHash,
			&linksJSON,
			&page.LoadTimeMs,
			&page.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if err := json.Unmarshal(headersJSON, &page.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		if err := json.Unmarshal(linksJSON, &page.ExtractedLinks); err != nil {
			return nil, fmt.Errorf("decode links: %w", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
