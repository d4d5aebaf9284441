package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// CheckpointStore keeps checkpoints per session, newest last.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]crawler.Checkpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string][]crawler.Checkpoint)}
}

// Save appends checkpoint.
func (s *CheckpointStore) Save(_ context.Context, checkpoint crawler.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.SessionID] = append(s.checkpoints[checkpoint.SessionID], checkpoint)
	return nil
}

// Latest returns the most recently saved checkpoint.
func (s *CheckpointStore) Latest(_ context.Context, sessionID string) (crawler.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[sessionID]
	if len(list) == 0 {
		return crawler.Checkpoint{}, crawler.ErrNotFound
	}
	return list[len(list)-1], nil
}

// Prune keeps only the newest keep checkpoints.
func (s *CheckpointStore) Prune(_ context.Context, sessionID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[sessionID]
	if keep < 0 {
		keep = 0
	}
	if len(list) > keep {
		s.checkpoints[sessionID] = append([]crawler.Checkpoint(nil), list[len(list)-keep:]...)
	}
	return nil
}
