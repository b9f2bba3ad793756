package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/corpus-chat/internal/bootstrap"
	"github.com/kirillkom/corpus-chat/internal/config"
	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/observability/logging"
	"github.com/kirillkom/corpus-chat/internal/observability/metrics"
)

const serviceName = "corpus-chat-worker"

// The worker reconciles retrieval scopes after corpus mutations settle in
// any API replica.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(prometheus.NewRegistry(), serviceName)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker_metrics_listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	slog.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Events.SubscribeOperationResolved(ctx, func(handlerCtx context.Context, event domain.OperationResolvedEvent) error {
		if !event.ResolvedAt.IsZero() {
			workerMetrics.ObserveEventLag(serviceName, time.Since(event.ResolvedAt))
		}
		workerMetrics.StartReconcile()
		started := time.Now()

		reconcileCtx, cancel := context.WithTimeout(handlerCtx, 30*time.Second)
		defer cancel()
		err := reconcile(reconcileCtx, app, event)
		workerMetrics.FinishReconcile(serviceName, string(event.Kind), time.Since(started), err)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}

// reconcile intersects the owner's scope with the committed corpus. The
// resolving API replica has already pruned a deleted document; this repairs
// scopes whose prune was lost or raced with another replica.
func reconcile(ctx context.Context, app *bootstrap.App, event domain.OperationResolvedEvent) error {
	_, err := app.Scope.Load(ctx, event.UserID)
	return err
}
