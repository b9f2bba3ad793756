package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

type corpusLister interface {
	List(ctx context.Context, userID string) ([]domain.Document, error)
}

// ScopeUseCase keeps each user's retrieval scope a subset of the committed
// corpus. Every call validates against a fresh corpus listing; the store
// serializes writes per user, across processes.
type ScopeUseCase struct {
	store  ports.ScopeStore
	corpus corpusLister
}

func NewScopeUseCase(store ports.ScopeStore, corpus corpusLister) *ScopeUseCase {
	return &ScopeUseCase{
		store:  store,
		corpus: corpus,
	}
}

func (uc *ScopeUseCase) Load(ctx context.Context, userID string) (domain.RetrievalScope, error) {
	if err := validateUserID(userID); err != nil {
		return domain.RetrievalScope{}, err
	}
	members, err := uc.members(ctx, userID)
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	pruned, err := uc.update(ctx, userID, "persist pruned scope", func(current []string) ([]string, error) {
		return intersectIDs(current, members), nil
	})
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	return domain.RetrievalScope{UserID: userID, DocumentIDs: pruned}, nil
}

func (uc *ScopeUseCase) Save(ctx context.Context, userID string, ids []string) (domain.RetrievalScope, error) {
	if err := validateUserID(userID); err != nil {
		return domain.RetrievalScope{}, err
	}
	ids = domain.NormalizeIDs(trimIDs(ids))

	members, err := uc.members(ctx, userID)
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	missing := make([]string, 0)
	for _, id := range ids {
		if _, ok := members[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return domain.RetrievalScope{}, domain.WrapError(domain.ErrInvalidSelection, "save scope",
			fmt.Errorf("unknown documents: %s", strings.Join(missing, ", ")))
	}

	saved, err := uc.update(ctx, userID, "persist scope", func([]string) ([]string, error) {
		return ids, nil
	})
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	return domain.RetrievalScope{UserID: userID, DocumentIDs: saved}, nil
}

// Toggle removes documentID from the scope when present and appends it
// otherwise. Toggling twice restores the previous scope.
func (uc *ScopeUseCase) Toggle(ctx context.Context, userID, documentID string) (domain.RetrievalScope, error) {
	if err := validateUserID(userID); err != nil {
		return domain.RetrievalScope{}, err
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.RetrievalScope{}, domain.WrapError(domain.ErrInvalidInput, "toggle scope", errors.New("document id is required"))
	}

	members, err := uc.members(ctx, userID)
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	next, err := uc.update(ctx, userID, "persist scope", func(stored []string) ([]string, error) {
		current := intersectIDs(stored, members)
		out := make([]string, 0, len(current)+1)
		found := false
		for _, id := range current {
			if id == documentID {
				found = true
				continue
			}
			out = append(out, id)
		}
		if !found {
			if _, ok := members[documentID]; !ok {
				return nil, domain.WrapError(domain.ErrInvalidSelection, "toggle scope",
					fmt.Errorf("unknown document %q", documentID))
			}
			out = append(out, documentID)
		}
		return out, nil
	})
	if err != nil {
		return domain.RetrievalScope{}, err
	}
	return domain.RetrievalScope{UserID: userID, DocumentIDs: next}, nil
}

// Prune removes ids from the stored scope without consulting the corpus.
func (uc *ScopeUseCase) Prune(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	_, err := uc.update(ctx, userID, "persist pruned scope", func(stored []string) ([]string, error) {
		next := make([]string, 0, len(stored))
		for _, id := range stored {
			if _, ok := drop[id]; !ok {
				next = append(next, id)
			}
		}
		return next, nil
	})
	return err
}

// update runs mutate under the store's per-user serialization. Errors raised
// by mutate come back unchanged; store errors become storage failures.
func (uc *ScopeUseCase) update(
	ctx context.Context,
	userID, operation string,
	mutate func(current []string) ([]string, error),
) ([]string, error) {
	var mutateErr error
	next, err := uc.store.UpdateScope(ctx, userID, func(current []string) ([]string, error) {
		out, err := mutate(current)
		mutateErr = err
		return out, err
	})
	if mutateErr != nil {
		return nil, mutateErr
	}
	if err != nil {
		return nil, storageFailure(operation, err)
	}
	return next, nil
}

func (uc *ScopeUseCase) members(ctx context.Context, userID string) (map[string]struct{}, error) {
	docs, err := uc.corpus.List(ctx, userID)
	if err != nil {
		return nil, storageFailure("list corpus", err)
	}
	out := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		out[doc.ID] = struct{}{}
	}
	return out, nil
}

func intersectIDs(ids []string, members map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range domain.NormalizeIDs(ids) {
		if _, ok := members[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func trimIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strings.TrimSpace(id)
	}
	return out
}
