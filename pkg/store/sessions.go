package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore persists session traces and per-session feature
// overrides.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store over the database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// SaveTrace upserts the finalized trace for a session.
func (s *SessionStore) SaveTrace(ctx context.Context, trace *models.SessionTrace) error {
	raw, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, mode, question, trace, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			trace = EXCLUDED.trace,
			completed_at = EXCLUDED.completed_at`,
		trace.SessionID, trace.Status, trace.Mode, trace.Question, raw,
		trace.StartedAt, trace.CompletedAt)
	if err != nil {
		return fmt.Errorf("saving trace for session %s: %w", trace.SessionID, err)
	}
	return nil
}

// GetTrace loads a session's trace.
func (s *SessionStore) GetTrace(ctx context.Context, sessionID string) (*models.SessionTrace, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT trace FROM sessions WHERE id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading trace for session %s: %w", sessionID, err)
	}

	var trace models.SessionTrace
	if err := json.Unmarshal(raw, &trace); err != nil {
		return nil, fmt.Errorf("decoding trace for session %s: %w", sessionID, err)
	}
	return &trace, nil
}

// SaveFeatureOverrides persists the overrides a session was created
// with, so follow-up requests in the same session inherit them.
func (s *SessionStore) SaveFeatureOverrides(ctx context.Context, sessionID string, overrides *config.FeatureOverrides) error {
	if overrides == nil {
		return nil
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encoding feature overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET feature_overrides = $2 WHERE id = $1`, sessionID, raw)
	if err != nil {
		return fmt.Errorf("saving feature overrides for session %s: %w", sessionID, err)
	}
	return nil
}

// GetFeatureOverrides loads a session's persisted overrides; nil when
// the session is unknown or has none.
func (s *SessionStore) GetFeatureOverrides(ctx context.Context, sessionID string) (*config.FeatureOverrides, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT feature_overrides FROM sessions WHERE id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(raw) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading feature overrides for session %s: %w", sessionID, err)
	}

	var overrides config.FeatureOverrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("decoding feature overrides for session %s: %w", sessionID, err)
	}
	return &overrides, nil
}
