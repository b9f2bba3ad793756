package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

const sessionIDHeader = "X-Session-Id"

type sseEvent struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	State     domain.SessionState `json:"state,omitempty"`
	Delta     string              `json:"delta,omitempty"`
	Turn      *domain.Turn        `json:"turn,omitempty"`
	Warning   string              `json:"warning,omitempty"`
	Error     string              `json:"error,omitempty"`
	Code      string              `json:"code,omitempty"`
}

func toSSEEvent(ev domain.StreamEvent) sseEvent {
	out := sseEvent{
		Type:  string(ev.Type),
		State: ev.State,
		Turn:  ev.Turn,
	}
	switch ev.Type {
	case domain.EventToken:
		out.Delta = ev.Delta
	case domain.EventWarning:
		out.Warning = ev.Delta
		if out.Warning == "" && ev.Err != nil {
			out.Warning = ev.Err.Error()
		}
	case domain.EventError:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
			out.Code = errorCode(ev.Err)
		}
		if ev.Turn != nil && ev.Turn.Status == domain.TurnInterrupted {
			out.Code = "interrupted"
		}
	}
	return out
}

// submitTurn streams one turn as server-sent events. The scope is read once
// here and travels with the turn.
func (rt *Router) submitTurn(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	scope, err := rt.scope.Load(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stream, err := rt.chat.SubmitTurn(r.Context(), domain.TurnRequest{
		UserID:    user,
		SessionID: req.SessionID,
		Text:      req.Text,
		Scope:     scope,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionIDHeader, stream.SessionID())
	w.WriteHeader(http.StatusOK)

	timeout := rt.opts.StreamWriteTimeout
	writeErr := writeSSE(w, rc, timeout, sseEvent{Type: "session", SessionID: stream.SessionID()})
	// Drain to the terminal event even after the client is gone so the
	// turn settles and the session returns to idle.
	for ev := range stream.Events() {
		if writeErr != nil {
			continue
		}
		writeErr = writeSSE(w, rc, timeout, toSSEEvent(ev))
	}
	if writeErr != nil {
		slog.Warn("chat_stream_write_failed",
			"request_id", requestIDFromContext(r.Context()),
			"session_id", stream.SessionID(),
			"error", writeErr,
		)
	}
}

// writeSSE bounds each event by timeout so a client that stops reading fails
// the write instead of blocking the drain loop.
func writeSSE(w http.ResponseWriter, rc *http.ResponseController, timeout time.Duration, ev sseEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := rc.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	return rc.Flush()
}

func (rt *Router) getSession(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := rt.chat.Session(r.Context(), user, r.PathValue("session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (rt *Router) replaceTranscript(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Turns []domain.Turn `json:"turns"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.chat.ReplaceTranscript(r.Context(), user, r.PathValue("session_id"), req.Turns); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) sessionState(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := r.PathValue("session_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"state":      rt.chat.State(user, sessionID),
	})
}

func (rt *Router) cancelTurn(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.chat.Cancel(user, r.PathValue("session_id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) suggestions(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := rt.chat.Suggestions(r.Context(), user, r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": actions})
}
