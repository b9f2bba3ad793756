package httpadapter

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

type uploadCall struct {
	user, name, mimeType string
	data                 []byte
}

type fakeOperations struct {
	mu      sync.Mutex
	uploads []uploadCall
	deletes []string
	views   []domain.DocumentView
	pending []domain.PendingOperation
	results map[domain.OperationHandle]domain.OperationResult
	err     error
}

func (f *fakeOperations) SubmitUpload(_ context.Context, user, name, mimeType string, data []byte) (domain.OperationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, uploadCall{user: user, name: name, mimeType: mimeType, data: data})
	return "h-upload", nil
}

func (f *fakeOperations) SubmitDelete(_ context.Context, user, id string) (domain.OperationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.deletes = append(f.deletes, user+"/"+id)
	return "h-delete", nil
}

func (f *fakeOperations) Pending(string) []domain.PendingOperation { return f.pending }

func (f *fakeOperations) Result(handle domain.OperationHandle) (domain.OperationResult, bool) {
	r, ok := f.results[handle]
	return r, ok
}

func (f *fakeOperations) Wait(_ context.Context, handle domain.OperationHandle) (domain.OperationResult, error) {
	r, ok := f.results[handle]
	if !ok {
		return domain.OperationResult{}, domain.WrapError(domain.ErrNotFound, "wait", errors.New(string(handle)))
	}
	return r, nil
}

func (f *fakeOperations) Effective(context.Context, string) ([]domain.DocumentView, error) {
	return f.views, f.err
}

type fakeScope struct {
	ids       []string
	saveErr   error
	toggleErr error
}

func (f *fakeScope) Load(_ context.Context, user string) (domain.RetrievalScope, error) {
	return domain.RetrievalScope{UserID: user, DocumentIDs: f.ids}, nil
}

func (f *fakeScope) Save(_ context.Context, user string, ids []string) (domain.RetrievalScope, error) {
	if f.saveErr != nil {
		return domain.RetrievalScope{}, f.saveErr
	}
	f.ids = ids
	return domain.RetrievalScope{UserID: user, DocumentIDs: ids}, nil
}

func (f *fakeScope) Toggle(_ context.Context, user, id string) (domain.RetrievalScope, error) {
	if f.toggleErr != nil {
		return domain.RetrievalScope{}, f.toggleErr
	}
	f.ids = append(f.ids, id)
	return domain.RetrievalScope{UserID: user, DocumentIDs: f.ids}, nil
}

type fakeStream struct {
	sessionID string
	events    chan domain.StreamEvent
}

func (s *fakeStream) SessionID() string                 { return s.sessionID }
func (s *fakeStream) Events() <-chan domain.StreamEvent { return s.events }

type fakeChat struct {
	mu         sync.Mutex
	events     []domain.StreamEvent
	submitErr  error
	cancelErr  error
	replaceErr error
	lastReq    domain.TurnRequest
	replaced   []domain.Turn
	state      domain.SessionState
}

func (f *fakeChat) SubmitTurn(_ context.Context, req domain.TurnRequest) (ports.TurnStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.lastReq = req
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "generated"
	}
	ch := make(chan domain.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return &fakeStream{sessionID: sessionID, events: ch}, nil
}

func (f *fakeChat) Cancel(string, string) error { return f.cancelErr }

func (f *fakeChat) State(string, string) domain.SessionState {
	if f.state == "" {
		return domain.StateIdle
	}
	return f.state
}

func (f *fakeChat) Session(_ context.Context, user, id string) (*domain.ChatSession, error) {
	if id == "missing" {
		return nil, domain.WrapError(domain.ErrNotFound, "get session", errors.New(id))
	}
	return &domain.ChatSession{ID: id, UserID: user, Transcript: []domain.Turn{}}, nil
}

func (f *fakeChat) ReplaceTranscript(_ context.Context, _, _ string, turns []domain.Turn) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = turns
	return nil
}

func (f *fakeChat) Suggestions(context.Context, string, string) ([]domain.SuggestedAction, error) {
	return domain.DefaultSuggestedActions(), nil
}
