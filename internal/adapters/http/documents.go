package httpadapter

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

type operationResponse struct {
	Handle     domain.OperationHandle `json:"handle"`
	Kind       domain.OperationKind   `json:"kind"`
	DocumentID string                 `json:"document_id"`
	Status     domain.OperationStatus `json:"status"`
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := rt.operations.Effective(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": views})
}

// uploadDocument accepts multipart field "file" or a raw body named by the
// filename query parameter.
func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name, mimeType, data, err := rt.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	handle, err := rt.operations.SubmitUpload(r.Context(), user, name, mimeType, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.respondOperation(w, r, handle, domain.OperationUpload, name)
}

func (rt *Router) readUpload(w http.ResponseWriter, r *http.Request) (string, string, []byte, error) {
	limit := rt.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", "", nil, uploadError(err, "multipart field 'file' is required")
		}
		defer file.Close()
		data, err := readLimited(file, limit)
		if err != nil {
			return "", "", nil, err
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = detectMimeType(header.Filename, data)
		}
		return header.Filename, mimeType, data, nil
	}

	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		return "", "", nil, domain.WrapError(domain.ErrInvalidInput, "upload document", errors.New("filename query parameter is required for raw uploads"))
	}
	data, err := readLimited(r.Body, limit)
	if err != nil {
		return "", "", nil, err
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" || mediaType == "application/octet-stream" {
		mimeType = detectMimeType(name, data)
	}
	return name, mimeType, data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, uploadError(err, "read upload body")
	}
	if int64(len(data)) > limit {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload document", fmt.Errorf("document exceeds %d bytes", limit))
	}
	return data, nil
}

func uploadError(err error, message string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.WrapError(domain.ErrInvalidInput, "upload document", fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return domain.WrapError(domain.ErrInvalidInput, "upload document", fmt.Errorf("%s: %w", message, err))
}

func detectMimeType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	handle, err := rt.operations.SubmitDelete(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.respondOperation(w, r, handle, domain.OperationDelete, id)
}

// respondOperation answers 202 with the pending handle, or with the settled
// result when the caller passed wait=true.
func (rt *Router) respondOperation(w http.ResponseWriter, r *http.Request, handle domain.OperationHandle, kind domain.OperationKind, documentID string) {
	if r.URL.Query().Get("wait") == "true" {
		result, err := rt.operations.Wait(r.Context(), handle)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{
		Handle:     handle,
		Kind:       kind,
		DocumentID: documentID,
		Status:     domain.OperationPending,
	})
}

func (rt *Router) listOperations(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": rt.operations.Pending(user)})
}

func (rt *Router) getOperation(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	handle := domain.OperationHandle(r.PathValue("handle"))
	result, ok := rt.operations.Result(handle)
	if !ok || result.UserID != user {
		writeError(w, r, domain.WrapError(domain.ErrNotFound, "get operation", fmt.Errorf("operation %s", handle)))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
