package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

const DefaultSubject = "corpus.operations"

type publisher interface {
	Publish(subject string, data []byte) error
}

// EventBus carries OperationResolved events between the API and the worker.
type EventBus struct {
	conn     *nats.Conn
	pub      publisher
	subject  string
	group    string
	executor *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string) (*EventBus, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*EventBus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("corpus-chat"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	bus := newEventBus(conn, subject, options)
	bus.conn = conn
	return bus, nil
}

func newEventBus(pub publisher, subject string, options Options) *EventBus {
	if subject == "" {
		subject = DefaultSubject
	}
	group := options.QueueGroup
	if group == "" {
		group = "scope-reconcilers"
	}
	return &EventBus{
		pub:      pub,
		subject:  subject,
		group:    group,
		executor: options.ResilienceExecutor,
	}
}

func (b *EventBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *EventBus) PublishOperationResolved(ctx context.Context, event domain.OperationResolvedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal operation event: %w", err)
	}

	call := func(context.Context) error {
		if err := b.pub.Publish(b.subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribeOperationResolved blocks until ctx is done, then drains the
// subscription.
func (b *EventBus) SubscribeOperationResolved(
	ctx context.Context,
	handler func(context.Context, domain.OperationResolvedEvent) error,
) error {
	if b.conn == nil {
		return errors.New("nats subscribe: no connection")
	}
	sub, err := b.conn.QueueSubscribe(b.subject, b.group, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		b.dispatch(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (b *EventBus) dispatch(
	ctx context.Context,
	msg *nats.Msg,
	handler func(context.Context, domain.OperationResolvedEvent) error,
) {
	var event domain.OperationResolvedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		slog.Error("operation_event_decode_failed", "subject", msg.Subject, "error", err)
		return
	}
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := handler(handlerCtx, event); err != nil {
		slog.Error("operation_event_handler_failed",
			"handle", event.Handle,
			"user_id", event.UserID,
			"document_id", event.DocumentID,
			"error", err,
		)
	}
}
