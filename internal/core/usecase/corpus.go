package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

const defaultMaxUploadBytes int64 = 20 << 20

type CorpusUseCase struct {
	repo           ports.DocumentRepository
	storage        ports.ObjectStorage
	derived        ports.ContentCache
	locks          *keyedMutex
	maxUploadBytes int64
	now            func() time.Time
}

func NewCorpusUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	maxUploadBytes int64,
) *CorpusUseCase {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &CorpusUseCase{
		repo:           repo,
		storage:        storage,
		locks:          newKeyedMutex(),
		maxUploadBytes: maxUploadBytes,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithContentCache drops derived entries of every removed document from c.
func (uc *CorpusUseCase) WithContentCache(c ports.ContentCache) *CorpusUseCase {
	uc.derived = c
	return uc
}

func (uc *CorpusUseCase) List(ctx context.Context, userID string) ([]domain.Document, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	docs, err := uc.repo.List(ctx, userID)
	if err != nil {
		return nil, storageFailure("list documents", err)
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return docs, nil
}

func (uc *CorpusUseCase) Get(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	doc, err := uc.repo.GetByID(ctx, userID, documentID)
	if err != nil {
		return nil, storageFailure("get document", err)
	}
	return doc, nil
}

// Open returns the stored bytes of a committed document.
func (uc *CorpusUseCase) Open(ctx context.Context, doc *domain.Document) (io.ReadCloser, error) {
	rc, err := uc.storage.Get(ctx, doc.ContentHandle)
	if err != nil {
		return nil, storageFailure("open document", err)
	}
	return rc, nil
}

func (uc *CorpusUseCase) Add(
	ctx context.Context,
	userID, name, mimeType string,
	body io.Reader,
) (*domain.Document, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	name, err := normalizeDocumentName(name)
	if err != nil {
		return nil, err
	}

	unlock := uc.locks.Lock(corpusKey(userID, name))
	defer unlock()

	if _, err := uc.repo.GetByID(ctx, userID, name); err == nil {
		return nil, domain.WrapError(domain.ErrConflict, "add document", fmt.Errorf("document %q already exists", name))
	} else if !domain.IsKind(err, domain.ErrNotFound) {
		return nil, storageFailure("add document", err)
	}

	counter := &countingReader{r: io.LimitReader(body, uc.maxUploadBytes+1)}
	handle, err := uc.storage.Put(ctx, userID, name, counter)
	if err != nil {
		return nil, storageFailure("put document bytes", err)
	}
	if counter.n > uc.maxUploadBytes {
		uc.discardBlob(ctx, handle)
		return nil, domain.WrapError(domain.ErrInvalidInput, "add document",
			fmt.Errorf("document exceeds %d bytes", uc.maxUploadBytes))
	}

	doc := &domain.Document{
		ID:            name,
		UserID:        userID,
		ContentHandle: handle,
		MimeType:      strings.TrimSpace(mimeType),
		SizeBytes:     counter.n,
		CreatedAt:     uc.now(),
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		uc.discardBlob(ctx, handle)
		if domain.IsKind(err, domain.ErrConflict) {
			return nil, err
		}
		return nil, storageFailure("create document metadata", err)
	}
	return doc, nil
}

func (uc *CorpusUseCase) Remove(ctx context.Context, userID, documentID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "remove document", errors.New("document id is required"))
	}

	unlock := uc.locks.Lock(corpusKey(userID, documentID))
	defer unlock()

	doc, err := uc.repo.GetByID(ctx, userID, documentID)
	if err != nil {
		return storageFailure("remove document", err)
	}
	if err := uc.repo.Delete(ctx, userID, documentID); err != nil {
		return storageFailure("delete document metadata", err)
	}
	if uc.derived != nil {
		uc.derived.Forget(doc.ContentHandle)
	}

	// The document is already gone from the committed view; a leftover blob
	// is unreachable and only logged.
	if err := uc.storage.Delete(context.WithoutCancel(ctx), doc.ContentHandle); err != nil {
		slog.Warn("corpus_blob_delete_failed",
			"user_id", userID,
			"document_id", documentID,
			"handle", doc.ContentHandle,
			"error", err,
		)
	}
	return nil
}

func (uc *CorpusUseCase) discardBlob(ctx context.Context, handle string) {
	if err := uc.storage.Delete(context.WithoutCancel(ctx), handle); err != nil {
		slog.Warn("corpus_blob_cleanup_failed", "handle", handle, "error", err)
	}
}

// storageFailure keeps domain kinds the caller can act on and classifies
// everything else as a retryable storage failure.
func storageFailure(operation string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrInvalidInput,
		domain.ErrStorageFailure,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return domain.WrapError(domain.ErrStorageFailure, operation, err)
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.WrapError(domain.ErrUnauthorized, "resolve user", errors.New("user id is required"))
	}
	return nil
}

func normalizeDocumentName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "add document", errors.New("document name is required"))
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", domain.WrapError(domain.ErrInvalidInput, "add document", fmt.Errorf("invalid document name %q", name))
	}
	return name, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
