package xlsx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

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

func TestExtractRendersSheets(t *testing.T) {
	book := excelize.NewFile()
	if err := book.SetCellValue("Sheet1", "A1", "name"); err != nil {
		t.Fatalf("SetCellValue() error = %v", err)
	}
	_ = book.SetCellValue("Sheet1", "B1", "risk")
	_ = book.SetCellValue("Sheet1", "A2", "alpha")
	_ = book.SetCellValue("Sheet1", "B2", "high")
	buf, err := book.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}

	e := NewExtractor(blobStorage{"h": buf.Bytes()})
	text, err := e.Extract(context.Background(), &domain.Document{ID: "book.xlsx", ContentHandle: "h"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(text, "## Sheet1") || !strings.Contains(text, "alpha\thigh") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	e := NewExtractor(blobStorage{"h": []byte("not a workbook")})
	_, err := e.Extract(context.Background(), &domain.Document{ID: "book.xlsx", ContentHandle: "h"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
