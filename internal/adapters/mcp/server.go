package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

// Deps wires the tool surface to the core. UserID is the single identity the
// stdio server acts as.
type Deps struct {
	UserID     string
	Operations ports.OperationQueue
	Scope      ports.ScopeResolver
	Chat       ports.ChatOrchestrator
}

func NewServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"corpus-chat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Chat with a personal document corpus. Select documents with toggle_scope, then ask."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents of the corpus, including uploads still in progress."),
		),
		listDocuments(deps),
	)
	s.AddTool(
		mcp.NewTool("get_scope",
			mcp.WithDescription("Return the documents currently selected for grounding answers."),
		),
		getScope(deps),
	)
	s.AddTool(
		mcp.NewTool("toggle_scope",
			mcp.WithDescription("Add a document to the retrieval scope, or remove it if already selected."),
			mcp.WithString("document_id", mcp.Description("Document name as shown by list_documents"), mcp.Required()),
		),
		toggleScope(deps),
	)
	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question answered from the selected documents. Reuse session_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional chat session to continue")),
		),
		ask(deps),
	)
	return s
}

func listDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		views, err := deps.Operations.Effective(ctx, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		if len(views) == 0 {
			return mcpText("The corpus is empty."), nil
		}
		var b strings.Builder
		for _, v := range views {
			fmt.Fprintf(&b, "- %s (%s)\n", v.ID, v.State)
		}
		return mcpText(b.String()), nil
	}
}

func getScope(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := deps.Scope.Load(ctx, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load scope: %v", err)), nil
		}
		return mcpJSON(scope)
	}
}

func toggleScope(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		scope, err := deps.Scope.Toggle(ctx, deps.UserID, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to toggle %s: %v", id, err)), nil
		}
		return mcpJSON(scope)
	}
}

// ask runs one chat turn to completion and returns the assistant text.
func ask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		scope, err := deps.Scope.Load(ctx, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load scope: %v", err)), nil
		}

		stream, err := deps.Chat.SubmitTurn(ctx, domain.TurnRequest{
			UserID:    deps.UserID,
			SessionID: req.GetString("session_id", ""),
			Text:      question,
			Scope:     scope,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit question: %v", err)), nil
		}

		var (
			answer   strings.Builder
			warnings []string
			final    domain.StreamEvent
		)
		for ev := range stream.Events() {
			switch ev.Type {
			case domain.EventToken:
				answer.WriteString(ev.Delta)
			case domain.EventWarning:
				warnings = append(warnings, ev.Delta)
			case domain.EventDone, domain.EventError:
				final = ev
			}
		}

		text := answer.String()
		if final.Turn != nil {
			text = final.Turn.Content
		}
		if final.Type == domain.EventError {
			return mcpError(fmt.Sprintf("answer failed: %v\n%s", final.Err, text)), nil
		}

		var b strings.Builder
		b.WriteString(text)
		if len(warnings) > 0 {
			b.WriteString("\n\nWarning: ")
			b.WriteString(strings.Join(warnings, "; "))
		}
		fmt.Fprintf(&b, "\n\nsession_id: %s", stream.SessionID())
		return mcpText(b.String()), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpText(string(data)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
