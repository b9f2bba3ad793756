package domain

import "time"

// Document is a committed member of a user's corpus. ID is the document
// pathname and is unique per user.
type Document struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ContentHandle string    `json:"content_handle"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

type OperationKind string

const (
	OperationUpload OperationKind = "upload"
	OperationDelete OperationKind = "delete"
)

type OperationHandle string

// PendingOperation is an in-flight mutation against the corpus.
type PendingOperation struct {
	Handle     OperationHandle `json:"handle"`
	UserID     string          `json:"user_id"`
	DocumentID string          `json:"document_id"`
	Kind       OperationKind   `json:"kind"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

type OperationOutcome struct {
	Document *Document
	Err      error
}

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)

type OperationResult struct {
	Handle     OperationHandle `json:"handle"`
	UserID     string          `json:"user_id"`
	DocumentID string          `json:"document_id"`
	Kind       OperationKind   `json:"kind"`
	Status     OperationStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// OperationResolvedEvent is published once a pending operation settles.
type OperationResolvedEvent struct {
	Handle     OperationHandle `json:"handle"`
	UserID     string          `json:"user_id"`
	DocumentID string          `json:"document_id"`
	Kind       OperationKind   `json:"kind"`
	Succeeded  bool            `json:"succeeded"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

type DocumentState string

const (
	DocumentCommitted DocumentState = "committed"
	DocumentUploading DocumentState = "uploading"
)

// DocumentView is what a user effectively sees: committed documents that are
// not being deleted, plus documents still uploading.
type DocumentView struct {
	ID     string          `json:"id"`
	State  DocumentState   `json:"state"`
	Handle OperationHandle `json:"handle,omitempty"`
	Doc    *Document       `json:"document,omitempty"`
}
