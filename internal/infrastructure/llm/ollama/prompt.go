package ollama

import (
	"strings"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

const baseSystemPrompt = `You are a helpful assistant answering questions about the user's documents.
When a context block is present, answer only from it and cite passages by their [n] marker.
If the context is insufficient, say it directly.`

const contextSeparator = "\n\n"

// PromptOverheadTokens estimates the system text sent alongside every
// request besides the retrieval block itself.
func PromptOverheadTokens() int {
	return domain.EstimateTokens(baseSystemPrompt + contextSeparator)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildChatMessages lays out the request as system prompt (with the
// retrieval block appended), history, then the new query.
func buildChatMessages(req domain.ModelRequest) []chatMessage {
	system := baseSystemPrompt
	if block := strings.TrimSpace(req.ContextBlock); block != "" {
		system += contextSeparator + block
	}

	out := make([]chatMessage, 0, len(req.History)+2)
	out = append(out, chatMessage{Role: string(domain.RoleSystem), Content: system})
	for _, msg := range req.History {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	out = append(out, chatMessage{Role: string(domain.RoleUser), Content: req.Query})
	return out
}
