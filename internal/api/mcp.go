package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the conversation archive.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatmerge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatmerge: a local archive of conversations collected from AI chat platforms."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_conversations",
			mcp.WithDescription("Search archived AI chat conversations by keywords. All terms must match."),
			mcp.WithString("query", mcp.Description("Space-separated search terms"), mcp.Required()),
			mcp.WithString("platform", mcp.Description("Restrict to one platform: "+platformNames())),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch one archived conversation with all of its messages."),
			mcp.WithString("id", mcp.Description("Conversation id from search_conversations"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("list_folders",
			mcp.WithDescription("List the folder tree used to organize conversations."),
		),
		mcpListFolders(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"chatmerge://stats",
			"Archive Statistics",
			mcp.WithResourceDescription("Conversation, message and folder counts per platform"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatmerge://recent",
			"Recent Conversations",
			mcp.WithResourceDescription("The 10 most recently updated conversations (titles and previews only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func platformNames() string {
	var names []string
	for _, p := range platform.All() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

// conversationSummary is the compact listing form returned to MCP clients.
type conversationSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Platform     string `json:"platform"`
	URL          string `json:"url,omitempty"`
	MessageCount int    `json:"message_count"`
	UpdatedAt    string `json:"updated_at"`
	Preview      string `json:"preview,omitempty"`
}

func summarize(c storage.DBConversation) conversationSummary {
	return conversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		Platform:     string(c.Platform),
		URL:          c.PlatformURL,
		MessageCount: c.Metadata.MessageCount,
		UpdatedAt:    c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Preview:      c.Metadata.LastMessagePreview,
	}
}

func mcpSearchConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		opts := storage.SearchOptions{Query: query, Limit: limit}
		if name := req.GetString("platform", ""); name != "" {
			p, err := platform.Parse(name)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			opts.Platforms = []platform.Platform{p}
		}

		res, err := deps.Store.Search(opts)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]conversationSummary, len(res.Conversations))
		for i, c := range res.Conversations {
			results[i] = summarize(c)
		}
		b, err := json.Marshal(map[string]any{
			"total":    res.Total,
			"has_more": res.HasMore,
			"results":  results,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		c, err := deps.Store.GetConversation(id)
		if err != nil {
			return mcpError(fmt.Sprintf("conversation %s: %v", id, err)), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n", c.Title)
		fmt.Fprintf(&b, "platform: %s\n", c.Platform)
		if c.PlatformURL != "" {
			fmt.Fprintf(&b, "url: %s\n", c.PlatformURL)
		}
		for _, m := range c.Messages {
			fmt.Fprintf(&b, "\n[%s]: %s\n", m.Role, m.Content)
		}
		return mcpText(b.String()), nil
	}
}

func mcpListFolders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tree, err := deps.Store.FolderTree()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list folders: %v", err)), nil
		}
		if len(tree) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(tree)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal folders: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, err := deps.Store.Search(storage.SearchOptions{Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to get recent conversations: %w", err)
		}

		summaries := make([]conversationSummary, len(res.Conversations))
		for i, c := range res.Conversations {
			s := summarize(c)
			if utf8.RuneCountInString(s.Title) > 200 {
				runes := []rune(s.Title)
				s.Title = string(runes[:200]) + "..."
			}
			summaries[i] = s
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
