package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

const uniqueViolation = "23505"

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates every table the service uses.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	user_id TEXT NOT NULL,
	id TEXT NOT NULL,
	seq BIGSERIAL,
	content_handle TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_user_seq ON documents(user_id, seq);

CREATE TABLE IF NOT EXISTS retrieval_scopes (
	user_id TEXT PRIMARY KEY,
	document_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, session_id)
);

CREATE TABLE IF NOT EXISTS chat_turns (
	id TEXT NOT NULL,
	seq BIGSERIAL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	scope JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, session_id, id),
	FOREIGN KEY (user_id, session_id) REFERENCES chat_sessions(user_id, session_id) ON DELETE CASCADE
);

-- Turn ids are unique per session only; older schemas keyed them globally.
DO $$
BEGIN
	IF (SELECT count(*) FROM information_schema.key_column_usage
		WHERE table_name = 'chat_turns' AND constraint_name = 'chat_turns_pkey') = 1 THEN
		ALTER TABLE chat_turns DROP CONSTRAINT chat_turns_pkey;
		ALTER TABLE chat_turns ADD PRIMARY KEY (user_id, session_id, id);
	END IF;
END $$;

CREATE INDEX IF NOT EXISTS idx_chat_turns_session_seq ON chat_turns(user_id, session_id, seq);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (user_id, id, content_handle, mime_type, size_bytes, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, doc.UserID, doc.ID, doc.ContentHandle, doc.MimeType, doc.SizeBytes, doc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert document", fmt.Errorf("document %q already exists", doc.ID))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, userID, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT user_id, id, content_handle, mime_type, size_bytes, created_at
FROM documents
WHERE user_id = $1 AND id = $2
`, userID, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("document %q", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// List returns documents in registration order.
func (r *DocumentRepository) List(ctx context.Context, userID string) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, id, content_handle, mime_type, size_bytes, created_at
FROM documents
WHERE user_id = $1
ORDER BY seq ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM documents
WHERE user_id = $1 AND id = $2
`, userID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "delete document", fmt.Errorf("document %q", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	err := row.Scan(&doc.UserID, &doc.ID, &doc.ContentHandle, &doc.MimeType, &doc.SizeBytes, &doc.CreatedAt)
	return doc, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
