package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const saveCheckpointSQL = `INSERT INTO checkpoints (session_id, taken_at, payload) VALUES ($1, $2, $3)`

const latestCheckpointSQL = `
SELECT payload FROM checkpoints WHERE session_id = $1 ORDER BY id DESC LIMIT 1`

const pruneCheckpointsSQL = `
DELETE FROM checkpoints
WHERE session_id = $1
  AND id NOT IN (SELECT id FROM checkpoints WHERE session_id = $1 ORDER BY id DESC LIMIT $2)`

// CheckpointStore keeps checkpoints as JSONB payloads.
type CheckpointStore struct {
	db DB
}

// NewCheckpointStore builds a CheckpointStore.
func NewCheckpointStore(db DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{db: db}, nil
}

// Save inserts checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint crawler.Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.db.Exec(ctx, saveCheckpointSQL, checkpoint.SessionID, checkpoint.TakenAt, payload); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint of a session.
func (s *CheckpointStore) Latest(ctx context.Context, sessionID string) (crawler.Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, latestCheckpointSQL, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Checkpoint{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Prune deletes all but the newest keep checkpoints.
func (s *CheckpointStore) Prune(ctx context.Context, sessionID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	if _, err := s.db.Exec(ctx, pruneCheckpointsSQL, sessionID, keep); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}
