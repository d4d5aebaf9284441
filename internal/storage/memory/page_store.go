package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// PageStore records crawled pages keyed by (session, url hash).
type PageStore struct {
	mu     sync.RWMutex
	pages  map[string]map[string]crawler.PageRecord
	orders map[string][]string
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{
		pages:  make(map[string]map[string]crawler.PageRecord),
		orders: make(map[string][]string),
	}
}

// Upsert stores page, replacing an earlier record for the same hash.
func (s *PageStore) Upsert(_ context.Context, page crawler.PageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHash, ok := s.pages[page.SessionID]
	if !ok {
		byHash = make(map[string]crawler.PageRecord)
		s.pages[page.SessionID] = byHash
	}
	_, existed := byHash[page.URLHash]
	byHash[page.URLHash] = page
	if !existed {
		s.orders[page.SessionID] = append(s.orders[page.SessionID], page.URLHash)
	}
	return !existed, nil
}

// List returns pages in first-recorded order.
func (s *PageStore) List(_ context.Context, sessionID string, limit, offset int) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.orders[sessionID]
	if offset >= len(order) {
		return []crawler.PageRecord{}, nil
	}
	order = order[offset:]
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]crawler.PageRecord, 0, len(order))
	for _, hash := range order {
		out = append(out, s.pages[sessionID][hash])
	}
	return out, nil
}
