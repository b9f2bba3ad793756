package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a client without an overall HTTP timeout: chat responses are
// long-lived streams bounded by the caller's context.
func New(baseURL, chatModel, embedModel string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.ProviderConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{},
		executor:   executor,
	}
}

// ChatProvider streams completions from /api/chat.
type ChatProvider struct {
	client *Client
}

func NewChatProvider(client *Client) *ChatProvider {
	return &ChatProvider{client: client}
}

type chatStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream opens the response under the resilience executor. Retries only
// cover establishing the stream; once bytes flow, failures end the channel
// with an error chunk.
func (p *ChatProvider) Stream(ctx context.Context, req domain.ModelRequest) (<-chan domain.ModelChunk, error) {
	payload := map[string]any{
		"model":    p.client.chatModel,
		"messages": buildChatMessages(req),
		"stream":   true,
	}

	resp, err := resilience.Call(ctx, p.client.executor, "ollama_chat", func(ctx context.Context) (*http.Response, error) {
		return p.client.openJSON(ctx, "/api/chat", payload, "chat")
	}, classifyOllamaError)
	if err != nil {
		return nil, providerError("ollama.Stream", err)
	}

	out := make(chan domain.ModelChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		pumpChatStream(ctx, resp.Body, out)
	}()
	return out, nil
}

func pumpChatStream(ctx context.Context, body io.Reader, out chan<- domain.ModelChunk) {
	send := func(chunk domain.ModelChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg chatStreamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			send(domain.ModelChunk{Err: providerError("ollama.Stream", fmt.Errorf("decode chat chunk: %w", err))})
			return
		}
		if msg.Error != "" {
			send(domain.ModelChunk{Err: providerError("ollama.Stream", errors.New(msg.Error))})
			return
		}
		if msg.Message.Content != "" {
			if !send(domain.ModelChunk{Delta: msg.Message.Content}) {
				return
			}
		}
		if msg.Done {
			send(domain.ModelChunk{Done: true})
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	send(domain.ModelChunk{Err: providerError("ollama.Stream", fmt.Errorf("read chat stream: %w", err))})
}

// Embedder implements ports.Embedder against /api/embed.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.executor.Execute(ctx, "ollama_embed", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	}, classifyOllamaError)
	if err != nil {
		return nil, providerError("ollama.Embed", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(domain.ErrProviderFailure, "ollama.Embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
