package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

type httpMetrics interface {
	Handler() http.Handler
	Middleware(service string, next http.Handler) http.Handler
	RecordRejected(service, reason string)
}

type Options struct {
	Service          string
	MaxUploadBytes   int64
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	MaxActiveStreams int
	BackpressureWait time.Duration
	// StreamWriteTimeout bounds each server-sent event write.
	StreamWriteTimeout time.Duration
	Metrics            httpMetrics
	// Ready is checked by /healthz when set.
	Ready func(context.Context) error
}

type Router struct {
	operations ports.OperationQueue
	scope      ports.ScopeResolver
	chat       ports.ChatOrchestrator
	opts       Options
}

func NewRouter(
	operations ports.OperationQueue,
	scope ports.ScopeResolver,
	chat ports.ChatOrchestrator,
	opts Options,
) *Router {
	if opts.Service == "" {
		opts.Service = "corpus-chat-api"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	if opts.StreamWriteTimeout <= 0 {
		opts.StreamWriteTimeout = 30 * time.Second
	}
	return &Router{
		operations: operations,
		scope:      scope,
		chat:       chat,
		opts:       opts,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}

	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("GET /v1/operations", rt.listOperations)
	mux.HandleFunc("GET /v1/operations/{handle}", rt.getOperation)

	mux.HandleFunc("GET /v1/scope", rt.getScope)
	mux.HandleFunc("PUT /v1/scope", rt.putScope)
	mux.HandleFunc("POST /v1/scope/toggle", rt.toggleScope)

	mux.Handle("POST /v1/chat", backpressureMiddleware(http.HandlerFunc(rt.submitTurn), rt.opts.MaxActiveStreams, 0, rt.reject))
	mux.HandleFunc("GET /v1/chat/suggestions", rt.suggestions)
	mux.HandleFunc("GET /v1/chat/{session_id}", rt.getSession)
	mux.HandleFunc("PUT /v1/chat/{session_id}", rt.replaceTranscript)
	mux.HandleFunc("GET /v1/chat/{session_id}/state", rt.sessionState)
	mux.HandleFunc("DELETE /v1/chat/{session_id}/stream", rt.cancelTurn)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.BackpressureWait, rt.reject)
	handler = rateLimitMiddleware(handler, newRateLimiter(rt.opts.RateLimitRPS, rt.opts.RateLimitBurst), rt.reject)
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(rt.opts.Service, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) reject(reason string) {
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordRejected(rt.opts.Service, reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID reads the caller identity set by the fronting gateway.
func userID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(userIDHeader))
	if id == "" {
		return "", domain.WrapError(domain.ErrUnauthorized, "http identity", errors.New(userIDHeader+" header is required"))
	}
	return id, nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
