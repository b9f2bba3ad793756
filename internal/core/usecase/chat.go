package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

const (
	terminalSendGrace = time.Second
	// minEventBuffer holds every event sent before the model is called, so
	// only token delivery can wait on the consumer.
	minEventBuffer = 4
)

var errTurnInterrupted = errors.New("turn interrupted")

type retrievalAugmenter interface {
	Augment(ctx context.Context, scope domain.RetrievalScope, req domain.ModelRequest) (domain.ModelRequest, domain.RetrievalContext, error)
}

type activeTurn struct {
	mu          sync.Mutex
	state       domain.SessionState
	cancellable bool
	cancel      context.CancelFunc
	cancelled   atomic.Bool
}

func (a *activeTurn) setState(state domain.SessionState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// setCancel arms the turn's cancel func and fires it at once when an
// interrupt arrived while the turn was still being set up.
func (a *activeTurn) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel = cancel
	pending := a.cancelled.Load()
	a.mu.Unlock()
	if pending {
		cancel()
	}
}

// interrupt cancels the turn, or records the request for setCancel. It
// reports false for reservations that are not chat turns.
func (a *activeTurn) interrupt() bool {
	a.mu.Lock()
	if !a.cancellable {
		a.mu.Unlock()
		return false
	}
	a.cancelled.Store(true)
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (a *activeTurn) getState() domain.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

type turnStream struct {
	sessionID string
	events    chan domain.StreamEvent
}

func (s *turnStream) SessionID() string                 { return s.sessionID }
func (s *turnStream) Events() <-chan domain.StreamEvent { return s.events }

// ChatUseCase runs one turn at a time per session:
// idle -> awaiting_retrieval -> awaiting_model -> streaming -> settled -> idle.
type ChatUseCase struct {
	sessions  ports.SessionStore
	retrieval retrievalAugmenter
	provider  ports.ModelProvider
	limits    domain.ChatLimits
	metrics   ports.MetricsRecorder

	mu     sync.Mutex
	active map[string]*activeTurn

	now func() time.Time
}

func NewChatUseCase(
	sessions ports.SessionStore,
	retrieval retrievalAugmenter,
	provider ports.ModelProvider,
	limits domain.ChatLimits,
	metrics ports.MetricsRecorder,
) *ChatUseCase {
	if limits.HistoryTurns <= 0 {
		limits.HistoryTurns = 12
	}
	if limits.ProviderTimeout <= 0 {
		limits.ProviderTimeout = 120 * time.Second
	}
	if limits.EventBuffer <= 0 {
		limits.EventBuffer = 64
	}
	limits.EventBuffer = max(limits.EventBuffer, minEventBuffer)
	return &ChatUseCase{
		sessions:  sessions,
		retrieval: retrieval,
		provider:  provider,
		limits:    limits,
		metrics:   metricsOrNoop(metrics),
		active:    make(map[string]*activeTurn),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitTurn persists the user turn and starts streaming the answer. The
// returned stream always ends with exactly one done or error event.
func (uc *ChatUseCase) SubmitTurn(ctx context.Context, req domain.TurnRequest) (ports.TurnStream, error) {
	userID := strings.TrimSpace(req.UserID)
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit turn", errors.New("message text is required"))
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	turn, release, err := uc.reserve(userID, sessionID, domain.StateAwaitingRetrieval, true)
	if err != nil {
		return nil, err
	}

	if _, err := uc.sessions.EnsureSession(ctx, userID, sessionID); err != nil {
		release()
		return nil, storageFailure("ensure session", err)
	}
	history, err := uc.sessions.ListRecentTurns(ctx, userID, sessionID, uc.limits.HistoryTurns)
	if err != nil {
		release()
		return nil, storageFailure("load history", err)
	}

	scope := req.Scope.Clone()
	scope.UserID = userID
	scope.DocumentIDs = domain.NormalizeIDs(scope.DocumentIDs)

	userTurn := domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Status:    domain.TurnComplete,
		Scope:     scope.DocumentIDs,
		CreatedAt: uc.now(),
	}
	if err := uc.sessions.AppendTurn(ctx, userID, sessionID, userTurn); err != nil {
		release()
		return nil, storageFailure("append user turn", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn.setCancel(cancel)

	stream := &turnStream{sessionID: sessionID, events: make(chan domain.StreamEvent, uc.limits.EventBuffer)}
	run := &turnRun{
		uc:        uc,
		ctx:       turnCtx,
		userID:    userID,
		sessionID: sessionID,
		scope:     scope,
		query:     text,
		history:   history,
		turn:      turn,
		release:   release,
		events:    stream.events,
		cancel:    cancel,
	}
	go run.execute()

	slog.Info("chat_turn_submitted",
		"user_id", userID,
		"session_id", sessionID,
		"scope_size", len(scope.DocumentIDs),
	)
	return stream, nil
}

// Cancel interrupts the in-flight turn of a session.
func (uc *ChatUseCase) Cancel(userID, sessionID string) error {
	uc.mu.Lock()
	turn, ok := uc.active[corpusKey(userID, sessionID)]
	uc.mu.Unlock()
	if !ok || !turn.interrupt() {
		return domain.WrapError(domain.ErrNotFound, "cancel turn", fmt.Errorf("no active turn for session %s", sessionID))
	}
	return nil
}

func (uc *ChatUseCase) State(userID, sessionID string) domain.SessionState {
	uc.mu.Lock()
	turn, ok := uc.active[corpusKey(userID, sessionID)]
	uc.mu.Unlock()
	if !ok {
		return domain.StateIdle
	}
	return turn.getState()
}

func (uc *ChatUseCase) Session(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	session, err := uc.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, storageFailure("get session", err)
	}
	return session, nil
}

// ReplaceTranscript swaps a whole transcript, as done when a client restores
// a session. It is rejected while a turn is in flight.
func (uc *ChatUseCase) ReplaceTranscript(ctx context.Context, userID, sessionID string, turns []domain.Turn) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "replace transcript", errors.New("session id is required"))
	}
	_, release, err := uc.reserve(userID, sessionID, domain.StateSettled, false)
	if err != nil {
		return err
	}
	defer release()

	seen := make(map[string]struct{}, len(turns))
	for i := range turns {
		if turns[i].Role != domain.RoleUser && turns[i].Role != domain.RoleAssistant {
			return domain.WrapError(domain.ErrInvalidInput, "replace transcript", fmt.Errorf("turn %d has role %q", i, turns[i].Role))
		}
		if turns[i].ID == "" {
			turns[i].ID = uuid.NewString()
		}
		if _, dup := seen[turns[i].ID]; dup {
			return domain.WrapError(domain.ErrInvalidInput, "replace transcript", fmt.Errorf("turn id %q repeats", turns[i].ID))
		}
		seen[turns[i].ID] = struct{}{}
		if turns[i].Status == "" {
			turns[i].Status = domain.TurnComplete
		}
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = uc.now()
		}
	}

	if _, err := uc.sessions.EnsureSession(ctx, userID, sessionID); err != nil {
		return storageFailure("ensure session", err)
	}
	if err := uc.sessions.ReplaceTranscript(ctx, userID, sessionID, turns); err != nil {
		return storageFailure("replace transcript", err)
	}
	return nil
}

// Suggestions returns starter questions for a session with no turns yet.
func (uc *ChatUseCase) Suggestions(ctx context.Context, userID, sessionID string) ([]domain.SuggestedAction, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return domain.DefaultSuggestedActions(), nil
	}
	turns, err := uc.sessions.ListRecentTurns(ctx, userID, sessionID, 1)
	if err != nil {
		return nil, storageFailure("load history", err)
	}
	if len(turns) > 0 {
		return []domain.SuggestedAction{}, nil
	}
	return domain.DefaultSuggestedActions(), nil
}

// reserve marks the session busy in state initial until release is called.
func (uc *ChatUseCase) reserve(userID, sessionID string, initial domain.SessionState, cancellable bool) (*activeTurn, func(), error) {
	key := corpusKey(userID, sessionID)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if existing, ok := uc.active[key]; ok {
		return nil, nil, domain.WrapError(domain.ErrSessionBusy, "reserve session",
			fmt.Errorf("session %s is %s", sessionID, existing.getState()))
	}
	turn := &activeTurn{state: initial, cancellable: cancellable}
	uc.active[key] = turn

	var once sync.Once
	release := func() {
		once.Do(func() {
			uc.mu.Lock()
			if uc.active[key] == turn {
				delete(uc.active, key)
			}
			uc.mu.Unlock()
		})
	}
	return turn, release, nil
}

type turnRun struct {
	uc        *ChatUseCase
	ctx       context.Context
	userID    string
	sessionID string
	scope     domain.RetrievalScope
	query     string
	history   []domain.Turn
	turn      *activeTurn
	release   func()
	events    chan domain.StreamEvent
	cancel    context.CancelFunc
	answer    strings.Builder
}

func (r *turnRun) execute() {
	defer r.cancel()

	if err := r.ctx.Err(); err != nil {
		r.finish(domain.TurnInterrupted, fmt.Errorf("%w: %w", errTurnInterrupted, err))
		return
	}
	r.transition(r.ctx, domain.StateAwaitingRetrieval)
	req := domain.ModelRequest{History: historyMessages(r.history), Query: r.query}
	augmented, rc, err := r.uc.retrieval.Augment(r.ctx, r.scope, req)
	if err != nil {
		if r.ctx.Err() != nil {
			r.finish(domain.TurnInterrupted, fmt.Errorf("%w: %w", errTurnInterrupted, r.ctx.Err()))
			return
		}
		slog.Warn("chat_retrieval_failed", "user_id", r.userID, "session_id", r.sessionID, "error", err)
		augmented = req
	}
	if rc.Partial {
		r.emit(r.ctx, domain.StreamEvent{Type: domain.EventWarning, Delta: strings.Join(rc.Warnings, "; "), Err: rc.Err})
	}

	r.transition(r.ctx, domain.StateAwaitingModel)
	providerCtx, cancel := context.WithTimeout(r.ctx, r.uc.limits.ProviderTimeout)
	defer cancel()

	chunks, err := r.uc.provider.Stream(providerCtx, augmented)
	if err != nil {
		r.finishProviderError(providerCtx, err)
		return
	}

	streaming := false
	for {
		select {
		case <-providerCtx.Done():
			r.finishProviderError(providerCtx, providerCtx.Err())
			return
		case chunk, ok := <-chunks:
			if !ok {
				r.finishProviderError(providerCtx, errors.New("stream closed without end marker"))
				return
			}
			if chunk.Err != nil {
				r.finishProviderError(providerCtx, chunk.Err)
				return
			}
			if chunk.Delta != "" {
				delivered := true
				if !streaming {
					streaming = true
					delivered = r.transition(providerCtx, domain.StateStreaming)
				}
				// A consumer that stops reading cannot hold the turn past
				// the provider deadline.
				if !delivered || !r.emit(providerCtx, domain.StreamEvent{Type: domain.EventToken, Delta: chunk.Delta}) {
					r.finishProviderError(providerCtx, providerCtx.Err())
					return
				}
				r.answer.WriteString(chunk.Delta)
			}
			if chunk.Done {
				r.finish(domain.TurnComplete, nil)
				return
			}
		}
	}
}

// finishProviderError tells caller cancellation apart from provider
// failures, including the provider deadline.
func (r *turnRun) finishProviderError(providerCtx context.Context, err error) {
	if r.ctx.Err() != nil || r.turn.cancelled.Load() {
		r.finish(domain.TurnInterrupted, fmt.Errorf("%w: %w", errTurnInterrupted, context.Canceled))
		return
	}
	if errors.Is(providerCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("provider deadline %s exceeded: %w", r.uc.limits.ProviderTimeout, err)
	}
	r.finish(domain.TurnFailed, domain.WrapError(domain.ErrProviderFailure, "stream completion", err))
}

// finish persists the assistant turn, returns the session to idle and only
// then delivers the terminal event.
func (r *turnRun) finish(status domain.TurnStatus, cause error) {
	r.turn.setState(domain.StateSettled)
	select {
	case r.events <- domain.StreamEvent{Type: domain.EventState, State: domain.StateSettled}:
	default:
	}

	assistant := domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   r.answer.String(),
		Status:    status,
		Scope:     r.scope.DocumentIDs,
		CreatedAt: r.uc.now(),
	}
	persistCtx := context.WithoutCancel(r.ctx)
	if err := r.uc.sessions.AppendTurn(persistCtx, r.userID, r.sessionID, assistant); err != nil {
		slog.Error("chat_assistant_turn_persist_failed",
			"user_id", r.userID,
			"session_id", r.sessionID,
			"error", err,
		)
		if cause == nil {
			cause = storageFailure("append assistant turn", err)
		}
	}
	r.uc.metrics.RecordTurn(status)

	r.turn.setState(domain.StateIdle)
	r.release()

	event := domain.StreamEvent{Type: domain.EventDone, State: domain.StateIdle, Turn: &assistant}
	if cause != nil {
		event.Type = domain.EventError
		event.Err = cause
	}
	r.sendTerminal(event)
	close(r.events)

	slog.Info("chat_turn_settled",
		"user_id", r.userID,
		"session_id", r.sessionID,
		"status", string(status),
		"answer_len", len(assistant.Content),
	)
}

func (r *turnRun) transition(ctx context.Context, state domain.SessionState) bool {
	r.turn.setState(state)
	return r.emit(ctx, domain.StreamEvent{Type: domain.EventState, State: state})
}

// emit delivers a non-terminal event and reports false if ctx ended first.
func (r *turnRun) emit(ctx context.Context, event domain.StreamEvent) bool {
	select {
	case r.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendTerminal waits for a live consumer up to the provider timeout and for
// a departed one only briefly; the session is already idle either way.
func (r *turnRun) sendTerminal(event domain.StreamEvent) {
	wait := terminalSendGrace
	if r.ctx.Err() == nil {
		wait = r.uc.limits.ProviderTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r.events <- event:
	case <-timer.C:
		slog.Warn("chat_terminal_event_dropped", "user_id", r.userID, "session_id", r.sessionID)
	}
}

func historyMessages(turns []domain.Turn) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	return out
}
