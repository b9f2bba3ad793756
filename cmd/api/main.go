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

	httpadapter "github.com/kirillkom/corpus-chat/internal/adapters/http"
	"github.com/kirillkom/corpus-chat/internal/bootstrap"
	"github.com/kirillkom/corpus-chat/internal/config"
	"github.com/kirillkom/corpus-chat/internal/observability/logging"
	"github.com/kirillkom/corpus-chat/internal/observability/metrics"
)

const serviceName = "corpus-chat-api"

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

	router := httpadapter.NewRouter(app.Operations, app.Scope, app.Chat, httpadapter.Options{
		Service:          serviceName,
		MaxUploadBytes:   cfg.CorpusMaxUploadBytes,
		RateLimitRPS:     cfg.HTTPRateLimitRPS,
		RateLimitBurst:   cfg.HTTPRateLimitBurst,
		MaxInFlight:      cfg.HTTPMaxInFlight,
		MaxActiveStreams: cfg.HTTPMaxActiveStreams,
		// A stalled reader fails its write no later than the provider would.
		StreamWriteTimeout: time.Duration(cfg.ProviderTimeoutSeconds) * time.Second,
		Metrics:            metrics.NewHTTPServerMetrics(app.Registry, serviceName),
		Ready:              app.Ready,
	}).Handler()

	// WriteTimeout stays zero: chat responses are SSE streams bounded by the
	// provider timeout instead.
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
