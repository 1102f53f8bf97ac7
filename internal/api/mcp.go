package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/storage"
)

// TurnRecorder queues a conversation turn for asynchronous persistence.
type TurnRecorder interface {
	RecordTurn(userID, sessionID, role, content string) (string, error)
}

// MemoryRetriever recalls long-term memory for a user.
type MemoryRetriever interface {
	RetrieveLongTerm(ctx context.Context, userID, query string, factFilters map[string]string, vectorLimit int) (retrieval.LongTermMemory, error)
}

// ChunkSearcher searches stored document chunks.
type ChunkSearcher interface {
	RetrieveRelevantChunks(ctx context.Context, query, userID string, limit int) ([]retrieval.ScoredChunk, error)
}

// ProfileSummarizer renders a user's profile as prompt text.
type ProfileSummarizer interface {
	GetSummary(ctx context.Context, userID string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Recorder  TurnRecorder
	Retriever MemoryRetriever
	Documents ChunkSearcher
	Profile   ProfileSummarizer
}

// NewMCPServer creates an MCP server exposing the memory tools to agent
// clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"engram",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("engram — per-user conversation memory: remember turns, recall context and preferences, search uploaded documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember_turn",
			mcp.WithDescription("Record one conversation turn into a user's memory. Persistence is asynchronous."),
			mcp.WithString("user_id", mcp.Description("User the turn belongs to"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation session identifier"), mcp.Required()),
			mcp.WithString("role", mcp.Description("Message role: user or assistant (default user)")),
			mcp.WithString("content", mcp.Description("The message text"), mcp.Required()),
		),
		mcpRememberTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_memory",
			mcp.WithDescription("Recall a user's long-term memory: profile facts, interests, opinions, and preferences relevant to a query."),
			mcp.WithString("user_id", mcp.Description("User to recall memory for"), mcp.Required()),
			mcp.WithString("query", mcp.Description("What the memory should be relevant to")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of similar preferences (default 5)")),
		),
		mcpRecallMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search a user's uploaded documents and return relevant chunks."),
			mcp.WithString("user_id", mcp.Description("User whose documents to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profile_summary",
			mcp.WithDescription("Render a user's profile as a short prompt-ready text block."),
			mcp.WithString("user_id", mcp.Description("User to summarize"), mcp.Required()),
		),
		mcpGetProfileSummary(deps),
	)

	return s
}

func mcpRememberTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		role := req.GetString("role", storage.RoleUser)
		switch role {
		case storage.RoleUser, storage.RoleAssistant:
		default:
			return mcpError("role must be user or assistant"), nil
		}

		msgID, err := deps.Recorder.RecordTurn(userID, sessionID, role, content)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue turn: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued message %s", msgID)), nil
	}
}

func mcpRecallMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		query := req.GetString("query", "")
		limit := clampLimit(req.GetInt("limit", 5))

		mem, err := deps.Retriever.RetrieveLongTerm(ctx, userID, query, nil, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		type scoredPref struct {
			Text  string  `json:"text"`
			Score float32 `json:"score"`
		}
		out := struct {
			Facts       map[string]string `json:"facts"`
			Interests   []string          `json:"interests"`
			Opinions    []string          `json:"opinions"`
			Preferences []scoredPref      `json:"preferences"`
		}{
			Facts:     mem.Facts,
			Interests: mem.Interests,
			Opinions:  mem.Opinions,
		}
		for _, p := range mem.Preferences {
			out.Preferences = append(out.Preferences, scoredPref{Text: p.Text, Score: p.Score})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal memory: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", 5))

		chunks, err := deps.Documents.RetrieveRelevantChunks(ctx, query, userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(chunkResponses(chunks))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetProfileSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		summary, err := deps.Profile.GetSummary(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build summary: %v", err)), nil
		}
		if summary == "" {
			return mcpText("No profile information recorded for this user."), nil
		}
		return mcpText(summary), nil
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 5
	}
	if limit > 50 {
		return 50
	}
	return limit
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
