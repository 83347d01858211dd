/*
Package mcpapp embeds MCP App widgets: tool-provided HTML rendered in a
sandboxed frame that talks to the host over a JSON-RPC 2.0 shaped message
channel.

A Bridge serves one frame. When the tool's server publishes an HTML
resource the bridge runs the ext-apps protocol (initialize, tool input and
result notifications, tools/call and tools/list requests from the frame).
Otherwise it calls the tool itself and generates a static page from the
structured result.
*/
package mcpapp

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// JSONRPCVersion is the only protocol version accepted on the channel.
const JSONRPCVersion = "2.0"

// Methods exchanged with the frame.
const (
	MethodInitialize      = "initialize"
	MethodUIInitialize    = "ui/initialize"
	MethodInitialized     = "notifications/initialized"
	MethodUIInitialized   = "ui/notifications/initialized"
	MethodToolsCall       = "tools/call"
	MethodToolsList       = "tools/list"
	MethodSizeChanged     = "notifications/size-changed"
	MethodUISizeChanged   = "ui/notifications/size-changed"
	MethodToolInput       = "ui/notifications/tool-input"
	MethodToolResult      = "ui/notifications/tool-result"
	MethodHostContextSync = "ui/notifications/host-context-changed"
)

// ResizeMessageType is the single message a fallback page sends.
const ResizeMessageType = "mcp-app-resize"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MaxErrorMessage bounds error messages sent to the frame.
const MaxErrorMessage = 500

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newRPCError(code int, msg string) *RPCError {
	return &RPCError{Code: code, Message: truncateUTF8(msg, MaxErrorMessage)}
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Envelope is one message on the channel. Requests carry Method and ID,
// notifications only Method, responses ID with Result or Error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (e Envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// IsRequest reports whether the envelope expects a response.
func (e Envelope) IsRequest() bool { return e.Method != "" && e.hasID() }

// IsNotification reports whether the envelope is a method call without id.
func (e Envelope) IsNotification() bool { return e.Method != "" && !e.hasID() }

// IsResponse reports whether the envelope answers an earlier request.
func (e Envelope) IsResponse() bool { return e.Method == "" && e.hasID() }

func resultEnvelope(id json.RawMessage, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Envelope{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

func errorEnvelope(id json.RawMessage, rpcErr *RPCError) *Envelope {
	return &Envelope{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

// Notification builds a host-to-frame notification.
func Notification(method string, params any) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Envelope{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// HostContext describes the embedding page to the frame.
type HostContext struct {
	Theme       string `json:"theme"`
	DisplayMode string `json:"displayMode"`
	Platform    string `json:"platform"`
}

// InitializeResult answers the frame's initialize request.
type InitializeResult struct {
	ProtocolVersion  string           `json:"protocolVersion"`
	HostInfo         any              `json:"hostInfo"`
	HostCapabilities HostCapabilities `json:"hostCapabilities"`
	HostContext      HostContext      `json:"hostContext"`
}

// HostCapabilities lists what the frame may ask of the host.
type HostCapabilities struct {
	ServerTools map[string]any `json:"serverTools"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type sizeChangedParams struct {
	Height *float64 `json:"height"`
	Width  *float64 `json:"width,omitempty"`
}

type resizeMessage struct {
	Type   string  `json:"type"`
	Height float64 `json:"height"`
}
