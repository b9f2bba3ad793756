package localfs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

func TestPutGetDelete(t *testing.T) {
	storage, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	handle, err := storage.Put(ctx, "user 1", "my report.pdf", strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(handle, "user_1/") || !strings.HasSuffix(handle, "_my_report.pdf") {
		t.Fatalf("unexpected handle %q", handle)
	}

	rc, err := storage.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	raw, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(raw) != "bytes" {
		t.Fatalf("unexpected content %q", raw)
	}

	if err := storage.Delete(ctx, handle); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := storage.Get(ctx, handle); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := storage.Delete(ctx, handle); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSameNameGetsDistinctHandles(t *testing.T) {
	storage, _ := New(t.TempDir())
	a, _ := storage.Put(context.Background(), "u1", "a.txt", strings.NewReader("1"))
	b, _ := storage.Put(context.Background(), "u1", "a.txt", strings.NewReader("2"))
	if a == b {
		t.Fatalf("handles must be unique, got %q twice", a)
	}
}

func TestRejectsHandlesOutsideBase(t *testing.T) {
	storage, _ := New(t.TempDir())
	for _, handle := range []string{"", "../etc/passwd", "/etc/passwd"} {
		if _, err := storage.Get(context.Background(), handle); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", handle, err)
		}
	}
}
