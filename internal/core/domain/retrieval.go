package domain

// Passage is a scored excerpt of a scoped document.
type Passage struct {
	DocumentID string  `json:"document_id"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// RetrievalContext lives for one model invocation and is never persisted.
type RetrievalContext struct {
	Passages []Passage `json:"passages"`
	Warnings []string  `json:"warnings,omitempty"`
	Partial  bool      `json:"partial"`
	// Err joins the per-document failures wrapped as ErrPartialRetrieval.
	Err error `json:"-"`
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelRequest is what the provider receives. An empty ContextBlock means no
// retrieval was injected.
type ModelRequest struct {
	History      []ChatMessage `json:"history"`
	Query        string        `json:"query"`
	ContextBlock string        `json:"context_block,omitempty"`
}

// ModelChunk is one element of a provider stream. Done marks a clean end;
// Err marks a failed end.
type ModelChunk struct {
	Delta string
	Done  bool
	Err   error
}

type RetrievalLimits struct {
	TopK              int `json:"top_k"`
	InputBudgetTokens int `json:"input_budget_tokens"`
	Concurrency       int `json:"concurrency"`
	// PromptOverheadTokens is the fixed text the provider wraps around a
	// request, charged against InputBudgetTokens.
	PromptOverheadTokens int `json:"prompt_overhead_tokens"`
}

// EstimateTokens approximates tokens as one per four bytes, rounding up.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
