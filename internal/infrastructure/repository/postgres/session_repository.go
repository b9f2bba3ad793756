package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) EnsureSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO chat_sessions (user_id, session_id, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (user_id, session_id) DO NOTHING
`, userID, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("ensure session insert: %w", err)
	}

	session, err := r.getSessionRow(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ensure session select: %w", err)
	}
	return session, nil
}

// GetSession loads a session with its full transcript.
func (r *SessionRepository) GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	session, err := r.getSessionRow(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %q", sessionID))
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, role, content, status, scope, created_at
FROM chat_turns
WHERE user_id = $1 AND session_id = $2
ORDER BY seq ASC
`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	session.Transcript = turns
	return session, nil
}

func (r *SessionRepository) AppendTurn(ctx context.Context, userID, sessionID string, turn domain.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	scopeRaw, err := marshalScope(turn.Scope)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertTurn(ctx, tx, userID, sessionID, turn, scopeRaw); err != nil {
		return err
	}
	if err := touchSession(ctx, tx, userID, sessionID, turn.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListRecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, role, content, status, scope, created_at
FROM chat_turns
WHERE user_id = $1 AND session_id = $2
ORDER BY seq DESC
LIMIT $3
`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ReplaceTranscript swaps the whole transcript in one transaction.
func (r *SessionRepository) ReplaceTranscript(ctx context.Context, userID, sessionID string, turns []domain.Turn) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM chat_turns
WHERE user_id = $1 AND session_id = $2
`, userID, sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	for _, turn := range turns {
		scopeRaw, err := marshalScope(turn.Scope)
		if err != nil {
			return err
		}
		if err := insertTurn(ctx, tx, userID, sessionID, turn, scopeRaw); err != nil {
			return err
		}
	}
	if err := touchSession(ctx, tx, userID, sessionID, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

func (r *SessionRepository) getSessionRow(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT user_id, session_id, created_at, updated_at
FROM chat_sessions
WHERE user_id = $1 AND session_id = $2
`, userID, sessionID)

	var session domain.ChatSession
	if err := row.Scan(&session.UserID, &session.ID, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Transcript = []domain.Turn{}
	return &session, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, userID, sessionID string, turn domain.Turn, scopeRaw []byte) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO chat_turns (id, user_id, session_id, role, content, status, scope, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, turn.ID, userID, sessionID, string(turn.Role), turn.Content, string(turn.Status), scopeRaw, turn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert turn", fmt.Errorf("turn %q already in session %q", turn.ID, sessionID))
		}
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func touchSession(ctx context.Context, tx *sql.Tx, userID, sessionID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
UPDATE chat_sessions
SET updated_at = $3
WHERE user_id = $1 AND session_id = $2
`, userID, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "touch session", fmt.Errorf("session %q", sessionID))
	}
	return nil
}

func scanTurns(rows *sql.Rows) ([]domain.Turn, error) {
	out := make([]domain.Turn, 0)
	for rows.Next() {
		var (
			turn     domain.Turn
			role     string
			status   string
			scopeRaw []byte
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &status, &scopeRaw, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.Status = domain.TurnStatus(status)
		turn.Scope = make([]string, 0)
		if len(scopeRaw) > 0 {
			if err := json.Unmarshal(scopeRaw, &turn.Scope); err != nil {
				return nil, fmt.Errorf("unmarshal turn scope: %w", err)
			}
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func marshalScope(scope []string) ([]byte, error) {
	if scope == nil {
		scope = []string{}
	}
	raw, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshal turn scope: %w", err)
	}
	return raw, nil
}
