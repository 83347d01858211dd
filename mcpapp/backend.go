package mcpapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"lightspeed/query"
)

// ErrNoResource is returned when the server publishes no HTML for a URI.
var ErrNoResource = errors.New("no UI resource")

// ContentItem is one content block of a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the backend's answer to a tool call.
type ToolResult struct {
	Content           []ContentItem   `json:"content"`
	IsError           bool            `json:"is_error,omitempty"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
}

// Text joins the text blocks of the result.
func (r *ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CallToolResult converts the result into the MCP shape the frame expects.
func (r *ToolResult) CallToolResult() *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: r.IsError}
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			out.Content = append(out.Content, mcp.NewTextContent(c.Text))
		}
	}
	if len(r.StructuredContent) > 0 {
		var structured any
		if err := json.Unmarshal(r.StructuredContent, &structured); err == nil {
			out.StructuredContent = structured
		}
	}
	return out
}

// ToolInfo describes one tool offered by an MCP server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// MCPTool converts the description for a tools/list answer.
func (t ToolInfo) MCPTool() mcp.Tool {
	if len(t.InputSchema) > 0 {
		return mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema)
	}
	return mcp.NewTool(t.Name, mcp.WithDescription(t.Description))
}

// Backend performs the bridge's backend calls.
type Backend interface {
	ReadResource(ctx context.Context, uri string) (string, error)
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolResult, error)
	ListTools(ctx context.Context, serverName string) ([]ToolInfo, error)
}

// JSONPoster is the subset of query.Client the HTTP backend uses.
type JSONPoster interface {
	PostJSON(ctx context.Context, path string, in, out any) error
	GetJSON(ctx context.Context, path string, out any) error
}

// HTTPBackend reaches the MCP endpoints of the Lightspeed backend.
type HTTPBackend struct {
	client JSONPoster
}

// NewHTTPBackend wraps a backend client.
func NewHTTPBackend(client JSONPoster) *HTTPBackend {
	return &HTTPBackend{client: client}
}

// ReadResource fetches the HTML published under uri.
func (b *HTTPBackend) ReadResource(ctx context.Context, uri string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	in := map[string]string{"resource_uri": uri}
	if err := b.client.PostJSON(ctx, query.PathMCPResources, in, &resp); err != nil {
		return "", fmt.Errorf("read resource %s: %w", uri, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", ErrNoResource
	}
	return resp.Content, nil
}

// CallTool invokes a tool through the backend proxy.
func (b *HTTPBackend) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	in := map[string]any{
		"server_name": serverName,
		"tool_name":   toolName,
		"arguments":   args,
	}
	var result ToolResult
	if err := b.client.PostJSON(ctx, query.PathMCPToolsCall, in, &result); err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", serverName, toolName, err)
	}
	return &result, nil
}

// ListTools lists the tools of one server.
func (b *HTTPBackend) ListTools(ctx context.Context, serverName string) ([]ToolInfo, error) {
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	path := query.PathMCPTools + "?server_name=" + url.QueryEscape(serverName)
	if err := b.client.GetJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", serverName, err)
	}
	return resp.Tools, nil
}
