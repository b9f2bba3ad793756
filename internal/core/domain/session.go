package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type TurnStatus string

const (
	TurnComplete    TurnStatus = "complete"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// Turn is one message of a transcript. Scope is the retrieval scope captured
// when the user turn was submitted.
type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Status    TurnStatus `json:"status"`
	Scope     []string   `json:"scope"`
	CreatedAt time.Time  `json:"created_at"`
}

type ChatSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Transcript []Turn    `json:"transcript"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateAwaitingRetrieval SessionState = "awaiting_retrieval"
	StateAwaitingModel     SessionState = "awaiting_model"
	StateStreaming         SessionState = "streaming"
	StateSettled           SessionState = "settled"
)

type TurnRequest struct {
	UserID    string
	SessionID string
	Text      string
	Scope     RetrievalScope
}

type StreamEventType string

const (
	EventState   StreamEventType = "state"
	EventToken   StreamEventType = "token"
	EventWarning StreamEventType = "warning"
	EventDone    StreamEventType = "done"
	EventError   StreamEventType = "error"
)

// StreamEvent is delivered to the caller of a turn. Done and Error are
// terminal; exactly one of them ends every stream.
type StreamEvent struct {
	Type  StreamEventType `json:"type"`
	State SessionState    `json:"state,omitempty"`
	Delta string          `json:"delta,omitempty"`
	Turn  *Turn           `json:"turn,omitempty"`
	Err   error           `json:"-"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type ChatLimits struct {
	HistoryTurns    int           `json:"history_turns"`
	ProviderTimeout time.Duration `json:"provider_timeout"`
	EventBuffer     int           `json:"event_buffer"`
}

// SuggestedAction is a canned first question offered for an empty session.
type SuggestedAction struct {
	Title  string `json:"title"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

func DefaultSuggestedActions() []SuggestedAction {
	return []SuggestedAction{
		{Title: "What's the summary", Label: "of these documents?", Action: "what's the summary of these documents?"},
		{Title: "Who is the author", Label: "of these documents?", Action: "who is the author of these documents?"},
	}
}
