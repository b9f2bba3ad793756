package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

// DocumentRepository persists committed corpus membership per user.
type DocumentRepository interface {
	// Create fails with domain.ErrConflict when (user, id) already exists.
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, userID, id string) (*domain.Document, error)
	List(ctx context.Context, userID string) ([]domain.Document, error)
	// Delete fails with domain.ErrNotFound when nothing was removed.
	Delete(ctx context.Context, userID, id string) error
}

// ObjectStorage stores document bytes behind opaque handles.
type ObjectStorage interface {
	Put(ctx context.Context, userID, name string, data io.Reader) (string, error)
	Get(ctx context.Context, handle string) (io.ReadCloser, error)
	Delete(ctx context.Context, handle string) error
}

// ContentCache holds data derived from stored bytes, keyed by content handle.
type ContentCache interface {
	Forget(handle string)
}

// ScopeStore persists a user's retrieval scope independently of transcripts.
type ScopeStore interface {
	GetScope(ctx context.Context, userID string) ([]string, error)
	// UpdateScope runs mutate on the stored scope and persists its result
	// atomically with respect to every other writer of the same user,
	// including other processes. A mutate error aborts without writing.
	UpdateScope(ctx context.Context, userID string, mutate func(current []string) ([]string, error)) ([]string, error)
}

// SessionStore persists chat sessions and their append-only transcripts.
type SessionStore interface {
	EnsureSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	AppendTurn(ctx context.Context, userID, sessionID string, turn domain.Turn) error
	ListRecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]domain.Turn, error)
	ReplaceTranscript(ctx context.Context, userID, sessionID string, turns []domain.Turn) error
}

// ModelProvider streams a completion for an (optionally augmented) request.
// The returned channel ends with a chunk carrying Done or Err and is closed.
type ModelProvider interface {
	Stream(ctx context.Context, req domain.ModelRequest) (<-chan domain.ModelChunk, error)
}

// TextExtractor turns a stored document into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// Chunker splits text into passages.
type Chunker interface {
	Split(text string) []string
}

// Embedder builds vectors for passages and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// PassageScorer assigns a relevance score to every passage. Implementations
// must be deterministic for identical input.
type PassageScorer interface {
	Name() string
	Score(ctx context.Context, query string, passages []domain.Passage) ([]float64, error)
}

// EventPublisher announces settled corpus operations to other processes.
type EventPublisher interface {
	PublishOperationResolved(ctx context.Context, event domain.OperationResolvedEvent) error
}

// EventSubscriber consumes settled corpus operations.
type EventSubscriber interface {
	SubscribeOperationResolved(ctx context.Context, handler func(context.Context, domain.OperationResolvedEvent) error) error
}

// MetricsRecorder receives measurements from the core usecases.
type MetricsRecorder interface {
	RecordOperation(kind domain.OperationKind, succeeded bool)
	RecordRetrieval(scorer string, passages int, partial bool, duration time.Duration)
	RecordTurn(status domain.TurnStatus)
}

// OperationResultStore keeps the outcome of recently resolved operations.
type OperationResultStore interface {
	Put(result domain.OperationResult)
	Get(handle domain.OperationHandle) (domain.OperationResult, bool)
}
