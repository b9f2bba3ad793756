package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

const defaultOperationTimeout = 2 * time.Minute

type scopePruner interface {
	Prune(ctx context.Context, userID string, ids ...string) error
}

type pendingEntry struct {
	op   domain.PendingOperation
	done chan struct{}
}

// QueueManager tracks in-flight corpus mutations. Bookkeeping is keyed by
// handle; execution is FIFO per (user, document), so a later upload of a
// name always runs after an earlier delete of it has committed.
type QueueManager struct {
	corpus    ports.CorpusService
	scope     scopePruner
	results   ports.OperationResultStore
	publisher ports.EventPublisher
	metrics   ports.MetricsRecorder
	timeout   time.Duration

	mu      sync.RWMutex
	byUser  map[string]map[domain.OperationHandle]*pendingEntry
	handles map[domain.OperationHandle]*pendingEntry

	serial *serialQueue
	now    func() time.Time
}

func NewQueueManager(
	corpus ports.CorpusService,
	scope scopePruner,
	results ports.OperationResultStore,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	timeout time.Duration,
) *QueueManager {
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &QueueManager{
		corpus:    corpus,
		scope:     scope,
		results:   results,
		publisher: publisher,
		metrics:   metricsOrNoop(metrics),
		timeout:   timeout,
		byUser:    make(map[string]map[domain.OperationHandle]*pendingEntry),
		handles:   make(map[domain.OperationHandle]*pendingEntry),
		serial:    newSerialQueue(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue registers op as pending and returns its handle without waiting.
func (m *QueueManager) Enqueue(op domain.PendingOperation) domain.OperationHandle {
	if op.Handle == "" {
		op.Handle = domain.OperationHandle(uuid.NewString())
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.now()
	}
	entry := &pendingEntry{op: op, done: make(chan struct{})}

	m.mu.Lock()
	userOps, ok := m.byUser[op.UserID]
	if !ok {
		userOps = make(map[domain.OperationHandle]*pendingEntry)
		m.byUser[op.UserID] = userOps
	}
	userOps[op.Handle] = entry
	m.handles[op.Handle] = entry
	m.mu.Unlock()

	return op.Handle
}

// Resolve settles a pending operation. A successful delete also prunes the
// document from the user's scope.
func (m *QueueManager) Resolve(ctx context.Context, handle domain.OperationHandle, outcome domain.OperationOutcome) error {
	m.mu.Lock()
	entry, ok := m.handles[handle]
	if ok {
		delete(m.handles, handle)
		if userOps := m.byUser[entry.op.UserID]; userOps != nil {
			delete(userOps, handle)
			if len(userOps) == 0 {
				delete(m.byUser, entry.op.UserID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "resolve operation", fmt.Errorf("operation %s", handle))
	}

	op := entry.op
	succeeded := outcome.Err == nil
	resolvedAt := m.now()
	result := domain.OperationResult{
		Handle:     op.Handle,
		UserID:     op.UserID,
		DocumentID: op.DocumentID,
		Kind:       op.Kind,
		Status:     domain.OperationSucceeded,
		ResolvedAt: &resolvedAt,
	}
	if !succeeded {
		result.Status = domain.OperationFailed
		result.Error = outcome.Err.Error()
	}
	if m.results != nil {
		m.results.Put(result)
	}
	close(entry.done)
	m.metrics.RecordOperation(op.Kind, succeeded)

	var pruneErr error
	if succeeded && op.Kind == domain.OperationDelete && m.scope != nil {
		if err := m.scope.Prune(ctx, op.UserID, op.DocumentID); err != nil {
			pruneErr = fmt.Errorf("prune scope: %w", err)
			slog.Warn("queue_scope_prune_failed",
				"user_id", op.UserID,
				"document_id", op.DocumentID,
				"handle", string(op.Handle),
				"error", err,
			)
		}
	}

	if m.publisher != nil {
		event := domain.OperationResolvedEvent{
			Handle:     op.Handle,
			UserID:     op.UserID,
			DocumentID: op.DocumentID,
			Kind:       op.Kind,
			Succeeded:  succeeded,
			ResolvedAt: resolvedAt,
		}
		if err := m.publisher.PublishOperationResolved(ctx, event); err != nil {
			slog.Warn("queue_event_publish_failed", "handle", string(op.Handle), "error", err)
		}
	}

	slog.Info("queue_operation_resolved",
		"user_id", op.UserID,
		"document_id", op.DocumentID,
		"handle", string(op.Handle),
		"kind", string(op.Kind),
		"status", string(result.Status),
	)
	return pruneErr
}

// Pending returns a snapshot of the user's in-flight operations in enqueue
// order. It may be stale by the time the caller acts on it.
func (m *QueueManager) Pending(userID string) []domain.PendingOperation {
	m.mu.RLock()
	out := make([]domain.PendingOperation, 0, len(m.byUser[userID]))
	for _, entry := range m.byUser[userID] {
		out = append(out, entry.op)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

func (m *QueueManager) Result(handle domain.OperationHandle) (domain.OperationResult, bool) {
	m.mu.RLock()
	entry, ok := m.handles[handle]
	m.mu.RUnlock()
	if ok {
		return pendingResult(entry.op), true
	}
	if m.results == nil {
		return domain.OperationResult{}, false
	}
	return m.results.Get(handle)
}

// Wait blocks until handle resolves or ctx ends.
func (m *QueueManager) Wait(ctx context.Context, handle domain.OperationHandle) (domain.OperationResult, error) {
	m.mu.RLock()
	entry, ok := m.handles[handle]
	m.mu.RUnlock()
	if ok {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return pendingResult(entry.op), ctx.Err()
		}
	}
	result, ok := m.Result(handle)
	if !ok {
		return domain.OperationResult{}, domain.WrapError(domain.ErrNotFound, "wait operation", fmt.Errorf("operation %s", handle))
	}
	return result, nil
}

func (m *QueueManager) SubmitUpload(
	ctx context.Context,
	userID, name, mimeType string,
	data []byte,
) (domain.OperationHandle, error) {
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	name, err := normalizeDocumentName(name)
	if err != nil {
		return "", err
	}

	handle := m.Enqueue(domain.PendingOperation{UserID: userID, DocumentID: name, Kind: domain.OperationUpload})
	m.run(ctx, userID, name, handle, func(opCtx context.Context) error {
		_, err := m.corpus.Add(opCtx, userID, name, mimeType, bytes.NewReader(data))
		return err
	})
	return handle, nil
}

func (m *QueueManager) SubmitDelete(ctx context.Context, userID, documentID string) (domain.OperationHandle, error) {
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "submit delete", errors.New("document id is required"))
	}

	handle := m.Enqueue(domain.PendingOperation{UserID: userID, DocumentID: documentID, Kind: domain.OperationDelete})
	m.run(ctx, userID, documentID, handle, func(opCtx context.Context) error {
		return m.corpus.Remove(opCtx, userID, documentID)
	})
	return handle, nil
}

// run executes fn after earlier operations on the same document and
// resolves handle with its outcome. The caller's cancellation does not reach
// fn; the operation timeout does.
func (m *QueueManager) run(ctx context.Context, userID, documentID string, handle domain.OperationHandle, fn func(context.Context) error) {
	base := context.WithoutCancel(ctx)
	m.serial.Go(corpusKey(userID, documentID), func() {
		opCtx, cancel := context.WithTimeout(base, m.timeout)
		defer cancel()

		err := fn(opCtx)
		if err != nil {
			slog.Warn("queue_operation_failed",
				"user_id", userID,
				"document_id", documentID,
				"handle", string(handle),
				"error", err,
			)
		}
		if resolveErr := m.Resolve(base, handle, domain.OperationOutcome{Err: err}); resolveErr != nil && !domain.IsKind(resolveErr, domain.ErrNotFound) {
			slog.Warn("queue_resolve_failed", "handle", string(handle), "error", resolveErr)
		}
	})
}

// Effective merges the committed corpus with in-flight operations: committed
// documents not pending delete, plus documents pending upload.
func (m *QueueManager) Effective(ctx context.Context, userID string) ([]domain.DocumentView, error) {
	docs, err := m.corpus.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending := m.Pending(userID)

	deleting := make(map[string]struct{})
	for _, op := range pending {
		if op.Kind == domain.OperationDelete {
			deleting[op.DocumentID] = struct{}{}
		}
	}

	views := make([]domain.DocumentView, 0, len(docs)+len(pending))
	visible := make(map[string]struct{}, len(docs))
	for i := range docs {
		if _, ok := deleting[docs[i].ID]; ok {
			continue
		}
		doc := docs[i]
		views = append(views, domain.DocumentView{ID: doc.ID, State: domain.DocumentCommitted, Doc: &doc})
		visible[doc.ID] = struct{}{}
	}
	for _, op := range pending {
		if op.Kind != domain.OperationUpload {
			continue
		}
		if _, ok := visible[op.DocumentID]; ok {
			continue
		}
		views = append(views, domain.DocumentView{ID: op.DocumentID, State: domain.DocumentUploading, Handle: op.Handle})
		visible[op.DocumentID] = struct{}{}
	}
	return views, nil
}

func pendingResult(op domain.PendingOperation) domain.OperationResult {
	return domain.OperationResult{
		Handle:     op.Handle,
		UserID:     op.UserID,
		DocumentID: op.DocumentID,
		Kind:       op.Kind,
		Status:     domain.OperationPending,
	}
}
