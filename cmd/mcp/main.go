package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/corpus-chat/internal/adapters/mcp"
	"github.com/kirillkom/corpus-chat/internal/bootstrap"
	"github.com/kirillkom/corpus-chat/internal/config"
	"github.com/kirillkom/corpus-chat/internal/observability/logging"
)

const serviceName = "corpus-chat-mcp"

// stdout carries the MCP protocol, so logs go to stderr.
func main() {
	slog.SetDefault(logging.New(os.Stderr, serviceName, "info"))
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stderr, serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mcpServer := mcpadapter.NewServer(mcpadapter.Deps{
		UserID:     cfg.MCPUserID,
		Operations: app.Operations,
		Scope:      app.Scope,
		Chat:       app.Chat,
	})
	if err := server.NewStdioServer(mcpServer).Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slog.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}
