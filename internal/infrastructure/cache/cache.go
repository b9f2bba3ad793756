package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

// OperationResults keeps resolved queue outcomes for a limited time.
type OperationResults struct {
	cache *gocache.Cache
}

func NewOperationResults(ttl time.Duration) *OperationResults {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &OperationResults{cache: gocache.New(ttl, 2*ttl)}
}

func (r *OperationResults) Put(result domain.OperationResult) {
	r.cache.Set(string(result.Handle), result, gocache.DefaultExpiration)
}

func (r *OperationResults) Get(handle domain.OperationHandle) (domain.OperationResult, bool) {
	if x, found := r.cache.Get(string(handle)); found {
		return x.(domain.OperationResult), true
	}
	return domain.OperationResult{}, false
}

// CachedExtractor memoizes extracted text by content handle. Handles are
// never reused, so entries cannot go stale; Forget only frees memory.
type CachedExtractor struct {
	next  ports.TextExtractor
	cache *gocache.Cache
}

func NewCachedExtractor(next ports.TextExtractor, ttl time.Duration) *CachedExtractor {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedExtractor{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (e *CachedExtractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	if x, found := e.cache.Get(doc.ContentHandle); found {
		return x.(string), nil
	}
	text, err := e.next.Extract(ctx, doc)
	if err != nil {
		return "", err
	}
	e.cache.Set(doc.ContentHandle, text, gocache.DefaultExpiration)
	return text, nil
}

// Forget drops the cached text of a removed document.
func (e *CachedExtractor) Forget(handle string) {
	e.cache.Delete(handle)
}
