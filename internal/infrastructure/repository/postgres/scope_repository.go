package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ScopeRepository stores one ordered id list per user, apart from chat
// transcripts so a scope can be read without loading any session.
type ScopeRepository struct {
	db *sql.DB
}

func NewScopeRepository(db *sql.DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *ScopeRepository) GetScope(ctx context.Context, userID string) ([]string, error) {
	return readScope(ctx, r.db, userID)
}

// UpdateScope holds a transaction-scoped advisory lock on the user while it
// reads, mutates and writes, so API replicas and the worker never interleave.
func (r *ScopeRepository) UpdateScope(
	ctx context.Context,
	userID string,
	mutate func(current []string) ([]string, error),
) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin scope tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "scope:"+userID); err != nil {
		return nil, fmt.Errorf("lock scope: %w", err)
	}
	current, err := readScope(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []string{}
	}
	if slices.Equal(current, next) {
		return next, nil
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO retrieval_scopes (user_id, document_ids, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET document_ids = EXCLUDED.document_ids, updated_at = EXCLUDED.updated_at
`, userID, raw, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("upsert scope: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit scope tx: %w", err)
	}
	return next, nil
}

func readScope(ctx context.Context, q queryRower, userID string) ([]string, error) {
	row := q.QueryRowContext(ctx, `
SELECT document_ids
FROM retrieval_scopes
WHERE user_id = $1
`, userID)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("scan scope: %w", err)
	}
	ids := make([]string, 0)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal scope: %w", err)
	}
	return ids, nil
}
