package ports

import (
	"context"
	"io"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

// CorpusService is the committed view of a user's documents.
type CorpusService interface {
	List(ctx context.Context, userID string) ([]domain.Document, error)
	Add(ctx context.Context, userID, name, mimeType string, body io.Reader) (*domain.Document, error)
	Remove(ctx context.Context, userID, documentID string) error
}

// OperationQueue tracks background corpus mutations.
type OperationQueue interface {
	SubmitUpload(ctx context.Context, userID, name, mimeType string, data []byte) (domain.OperationHandle, error)
	SubmitDelete(ctx context.Context, userID, documentID string) (domain.OperationHandle, error)
	Pending(userID string) []domain.PendingOperation
	Result(handle domain.OperationHandle) (domain.OperationResult, bool)
	Wait(ctx context.Context, handle domain.OperationHandle) (domain.OperationResult, error)
	Effective(ctx context.Context, userID string) ([]domain.DocumentView, error)
}

// ScopeResolver owns the per-user retrieval scope.
type ScopeResolver interface {
	Load(ctx context.Context, userID string) (domain.RetrievalScope, error)
	Save(ctx context.Context, userID string, ids []string) (domain.RetrievalScope, error)
	Toggle(ctx context.Context, userID, documentID string) (domain.RetrievalScope, error)
}

// TurnStream delivers the events of one submitted turn.
type TurnStream interface {
	SessionID() string
	Events() <-chan domain.StreamEvent
}

// ChatOrchestrator drives chat sessions.
type ChatOrchestrator interface {
	SubmitTurn(ctx context.Context, req domain.TurnRequest) (TurnStream, error)
	Cancel(userID, sessionID string) error
	State(userID, sessionID string) domain.SessionState
	Session(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	ReplaceTranscript(ctx context.Context, userID, sessionID string, turns []domain.Turn) error
	Suggestions(ctx context.Context, userID, sessionID string) ([]domain.SuggestedAction, error)
}
