package plaintext

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

type blobStorage map[string][]byte

func (b blobStorage) Put(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("not used")
}

func (b blobStorage) Get(_ context.Context, handle string) (io.ReadCloser, error) {
	raw, ok := b[handle]
	if !ok {
		return nil, errors.New("missing blob")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b blobStorage) Delete(context.Context, string) error { return nil }

func TestExtractTrimsText(t *testing.T) {
	e := NewExtractor(blobStorage{"h": []byte("  hello world \n")})
	text, err := e.Extract(context.Background(), &domain.Document{ID: "a.txt", ContentHandle: "h"})
	if err != nil || text != "hello world" {
		t.Fatalf("Extract() = %q, %v", text, err)
	}
}

func TestExtractRejectsBinary(t *testing.T) {
	e := NewExtractor(blobStorage{"h": {0xff, 0xfe, 0x00}})
	_, err := e.Extract(context.Background(), &domain.Document{ID: "a.bin", ContentHandle: "h"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExtractMissingBlob(t *testing.T) {
	e := NewExtractor(blobStorage{})
	if _, err := e.Extract(context.Background(), &domain.Document{ID: "a.txt", ContentHandle: "gone"}); err == nil {
		t.Fatalf("expected error for missing blob")
	}
}
