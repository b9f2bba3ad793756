package extractor

import (
	"context"
	"path"
	"strings"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

// Router picks an extractor by MIME type, falling back to the file
// extension and finally to the default extractor.
type Router struct {
	byKind   map[string]ports.TextExtractor
	fallback ports.TextExtractor
}

func NewRouter(fallback ports.TextExtractor) *Router {
	return &Router{byKind: make(map[string]ports.TextExtractor), fallback: fallback}
}

// Register binds kinds (MIME types or ".ext" suffixes) to an extractor.
func (r *Router) Register(extractor ports.TextExtractor, kinds ...string) *Router {
	for _, kind := range kinds {
		r.byKind[strings.ToLower(kind)] = extractor
	}
	return r
}

func (r *Router) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	return r.pick(doc).Extract(ctx, doc)
}

func (r *Router) pick(doc *domain.Document) ports.TextExtractor {
	mime := strings.ToLower(strings.TrimSpace(doc.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if ext, ok := r.byKind[mime]; ok {
		return ext
	}
	if ext, ok := r.byKind[strings.ToLower(path.Ext(doc.ID))]; ok {
		return ext
	}
	return r.fallback
}
