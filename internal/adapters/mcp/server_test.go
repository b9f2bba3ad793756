package mcpadapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

type stubOperations struct {
	ports.OperationQueue
	views []domain.DocumentView
}

func (s stubOperations) Effective(context.Context, string) ([]domain.DocumentView, error) {
	return s.views, nil
}

type stubScope struct {
	ids []string
}

func (s *stubScope) Load(_ context.Context, user string) (domain.RetrievalScope, error) {
	return domain.RetrievalScope{UserID: user, DocumentIDs: s.ids}, nil
}

func (s *stubScope) Save(_ context.Context, user string, ids []string) (domain.RetrievalScope, error) {
	s.ids = ids
	return domain.RetrievalScope{UserID: user, DocumentIDs: ids}, nil
}

func (s *stubScope) Toggle(_ context.Context, user, id string) (domain.RetrievalScope, error) {
	if id == "ghost.txt" {
		return domain.RetrievalScope{}, domain.WrapError(domain.ErrInvalidSelection, "toggle", errors.New(id))
	}
	s.ids = append(s.ids, id)
	return domain.RetrievalScope{UserID: user, DocumentIDs: s.ids}, nil
}

type stubStream struct {
	events chan domain.StreamEvent
}

func (s stubStream) SessionID() string                 { return "s-1" }
func (s stubStream) Events() <-chan domain.StreamEvent { return s.events }

type stubChat struct {
	ports.ChatOrchestrator
	events []domain.StreamEvent
	got    domain.TurnRequest
}

func (c *stubChat) SubmitTurn(_ context.Context, req domain.TurnRequest) (ports.TurnStream, error) {
	c.got = req
	ch := make(chan domain.StreamEvent, len(c.events))
	for _, ev := range c.events {
		ch <- ev
	}
	close(ch)
	return stubStream{events: ch}, nil
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestListDocuments(t *testing.T) {
	deps := Deps{UserID: "local", Operations: stubOperations{views: []domain.DocumentView{
		{ID: "a.txt", State: domain.DocumentCommitted},
		{ID: "b.pdf", State: domain.DocumentUploading},
	}}}

	result, err := listDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, "a.txt (committed)") || !strings.Contains(text, "b.pdf (uploading)") {
		t.Fatalf("unexpected text: %s", text)
	}
}

func TestToggleScopeReportsInvalidSelection(t *testing.T) {
	deps := Deps{UserID: "local", Scope: &stubScope{}}

	result, err := toggleScope(deps)(context.Background(), makeCallToolRequest("toggle_scope", map[string]interface{}{"document_id": "ghost.txt"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "invalid selection") {
		t.Fatalf("expected tool error, got %+v", result)
	}

	result, _ = toggleScope(deps)(context.Background(), makeCallToolRequest("toggle_scope", map[string]interface{}{"document_id": "a.txt"}))
	if result.IsError || !strings.Contains(toolText(t, result), `"a.txt"`) {
		t.Fatalf("unexpected toggle result %s", toolText(t, result))
	}
}

func TestToggleScopeRequiresDocumentID(t *testing.T) {
	result, _ := toggleScope(Deps{Scope: &stubScope{}})(context.Background(), makeCallToolRequest("toggle_scope", map[string]interface{}{}))
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestAskCollectsAnswerWithScope(t *testing.T) {
	chat := &stubChat{events: []domain.StreamEvent{
		{Type: domain.EventState, State: domain.StateAwaitingRetrieval},
		{Type: domain.EventWarning, Delta: "b.pdf: unreadable"},
		{Type: domain.EventToken, Delta: "Al"},
		{Type: domain.EventToken, Delta: "pha"},
		{Type: domain.EventDone, Turn: &domain.Turn{Content: "Alpha", Status: domain.TurnComplete}},
	}}
	deps := Deps{UserID: "local", Scope: &stubScope{ids: []string{"a.txt"}}, Chat: chat}

	result, err := ask(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"question": "what?"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if result.IsError || !strings.HasPrefix(text, "Alpha") || !strings.Contains(text, "b.pdf: unreadable") || !strings.Contains(text, "session_id: s-1") {
		t.Fatalf("unexpected answer: %s", text)
	}
	if chat.got.UserID != "local" || strings.Join(chat.got.Scope.DocumentIDs, ",") != "a.txt" {
		t.Fatalf("unexpected request %+v", chat.got)
	}
}

func TestAskProviderFailureIsToolError(t *testing.T) {
	chat := &stubChat{events: []domain.StreamEvent{
		{Type: domain.EventError, Err: domain.WrapError(domain.ErrProviderFailure, "stream", errors.New("timeout")), Turn: &domain.Turn{Status: domain.TurnFailed}},
	}}
	deps := Deps{UserID: "local", Scope: &stubScope{}, Chat: chat}

	result, _ := ask(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"question": "what?"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "provider failure") {
		t.Fatalf("expected provider failure, got %+v", result)
	}
}
