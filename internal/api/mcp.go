package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quarry-dev/quarry/internal/progress"
	"github.com/quarry-dev/quarry/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Coordinator Coordinator
	Store       *storage.Store
}

// NewMCPServer creates an MCP server exposing quarry's analytical surface
// as tools over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"quarry",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("quarry — answer analytical questions over ingested datasets in natural language."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer an analytical question over the ingested datasets. Returns the answer plus the query and result rows."),
			mcp.WithString("question", mcp.Description("The analytical question in natural language"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Optional conversation id for follow-up questions")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_datasets",
			mcp.WithDescription("List the ingested datasets with their schemas and row counts."),
		),
		mcpListDatasets(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		conversationID := req.GetString("conversation_id", "")

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream := progress.NewStream(runCtx)
		done := make(chan struct{})
		var resp any
		var runErr error
		go func() {
			resp, runErr = deps.Coordinator.Process(runCtx, question, conversationID, stream)
			close(done)
		}()

		// Drain progress events; MCP callers only see the terminal payload.
		for {
			select {
			case <-stream.Events():
			case <-done:
				if runErr != nil {
					return mcpError(fmt.Sprintf("analysis failed: %v", runErr)), nil
				}
				body, err := json.Marshal(resp)
				if err != nil {
					return mcpError(fmt.Sprintf("encoding response: %v", err)), nil
				}
				return mcpText(string(body)), nil
			case <-runCtx.Done():
				return mcpError("analysis cancelled"), nil
			}
		}
	}
}

func mcpListDatasets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		datasets, err := deps.Store.ListDatasets()
		if err != nil {
			return mcpError(fmt.Sprintf("listing datasets: %v", err)), nil
		}
		body, err := json.Marshal(datasets)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding datasets: %v", err)), nil
		}
		return mcpText(string(body)), nil
	}
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
