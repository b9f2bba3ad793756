package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		BreakerEnabled:      false,
	})
}

func collect(t *testing.T, ch <-chan domain.ModelChunk) (string, domain.ModelChunk) {
	t.Helper()
	var b strings.Builder
	var last domain.ModelChunk
	for chunk := range ch {
		b.WriteString(chunk.Delta)
		last = chunk
	}
	return b.String(), last
}

func TestStreamSendsContextAsSystemMessage(t *testing.T) {
	var payload struct {
		Model    string        `json:"model"`
		Stream   bool          `json:"stream"`
		Messages []chatMessage `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"content":"Hel"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"content":"lo"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"content":""},"done":true}` + "\n"))
	}))
	defer server.Close()

	provider := NewChatProvider(New(server.URL, "chat-model", "embed-model", testExecutor()))
	ch, err := provider.Stream(context.Background(), domain.ModelRequest{
		History:      []domain.ChatMessage{{Role: domain.RoleUser, Content: "earlier"}, {Role: domain.RoleAssistant, Content: "reply"}},
		Query:        "what is in a.txt?",
		ContextBlock: "[1] source=a.txt\nalpha\n\n",
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	text, last := collect(t, ch)
	if text != "Hello" || !last.Done {
		t.Fatalf("stream = %q, last = %+v", text, last)
	}

	if payload.Model != "chat-model" || !payload.Stream {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != "system" || !strings.Contains(payload.Messages[0].Content, "source=a.txt") {
		t.Fatalf("unexpected system message: %+v", payload.Messages[0])
	}
	if payload.Messages[3].Content != "what is in a.txt?" {
		t.Fatalf("query must be last, got %+v", payload.Messages[3])
	}
}

func TestStreamWithoutContextBlockKeepsBasePrompt(t *testing.T) {
	msgs := buildChatMessages(domain.ModelRequest{Query: "hi"})
	if len(msgs) != 2 || msgs[0].Content != baseSystemPrompt {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestPromptOverheadCoversSystemMessage(t *testing.T) {
	block := "Context:\n[1] source=a.txt\nalpha\n"
	msgs := buildChatMessages(domain.ModelRequest{Query: "hi", ContextBlock: block})
	if got := domain.EstimateTokens(msgs[0].Content); got > PromptOverheadTokens()+domain.EstimateTokens(block) {
		t.Fatalf("system message uses %d tokens, overhead %d plus block %d", got, PromptOverheadTokens(), domain.EstimateTokens(block))
	}
	if PromptOverheadTokens() < domain.EstimateTokens(baseSystemPrompt) {
		t.Fatalf("overhead must cover the base prompt")
	}
}

func TestStreamEndingWithoutDoneIsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"partial"},"done":false}` + "\n"))
	}))
	defer server.Close()

	ch, err := NewChatProvider(New(server.URL, "m", "e", testExecutor())).Stream(context.Background(), domain.ModelRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	text, last := collect(t, ch)
	if text != "partial" {
		t.Fatalf("text = %q", text)
	}
	if !domain.IsKind(last.Err, domain.ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %+v", last)
	}
}

func TestStreamErrorLineIsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model crashed"}` + "\n"))
	}))
	defer server.Close()

	ch, err := NewChatProvider(New(server.URL, "m", "e", testExecutor())).Stream(context.Background(), domain.ModelRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	_, last := collect(t, ch)
	if last.Err == nil || !strings.Contains(last.Err.Error(), "model crashed") {
		t.Fatalf("expected error chunk, got %+v", last)
	}
}

func TestStreamRetriesUnavailableThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"content":"ok"},"done":true}` + "\n"))
	}))
	defer server.Close()

	ch, err := NewChatProvider(New(server.URL, "m", "e", testExecutor())).Stream(context.Background(), domain.ModelRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	text, last := collect(t, ch)
	if text != "ok" || !last.Done {
		t.Fatalf("stream = %q, %+v", text, last)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestStreamBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewChatProvider(New(server.URL, "m", "e", testExecutor())).Stream(context.Background(), domain.ModelRequest{Query: "q"})
	if !domain.IsKind(err, domain.ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("404 must not be temporary: %v", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("502 should be temporary, got %v", err)
	}
}

func TestEmbedQueryReturnsFirstVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.25]]}`))
	}))
	defer server.Close()

	vec, err := NewEmbedder(New(server.URL, "gen", "embed", testExecutor())).EmbedQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("unexpected vector %v", vec)
	}
}
