package mcpapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// Frame heights in pixels.
const (
	MinHeight      = 100
	MaxHeight      = 600
	DefaultHeight  = 300
	ExpandedHeight = 800
)

// SandboxScriptsOnly is the sandbox attribute of both frame kinds.
const SandboxScriptsOnly = "allow-scripts"

const (
	hostName    = "lightspeed-console"
	hostVersion = "1.0.0"
)

// ErrForeignSource is returned for messages from a frame other than the
// bridge's own.
var ErrForeignSource = errors.New("message from unknown frame")

// Mode is the rendering strategy negotiated at load time.
type Mode string

const (
	ModeUnloaded Mode = ""
	ModeExtApps  Mode = "ext-apps"
	ModeFallback Mode = "fallback"
)

// Frame is the embedded document the bridge talks to.
type Frame interface {
	ID() string
	Post(data []byte) error
}

// Tool addresses the tool whose output the bridge renders.
type Tool struct {
	ServerName  string         `json:"serverName"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"toolArgs"`
	ResourceURI string         `json:"resourceUri"`
}

// View is what the host renders for the frame.
type View struct {
	Mode     Mode   `json:"mode"`
	HTML     string `json:"html,omitempty"`
	SrcDoc   string `json:"srcDoc,omitempty"`
	Sandbox  string `json:"sandbox"`
	Error    string `json:"error,omitempty"`
	Height   int    `json:"height"`
	Expanded bool   `json:"expanded"`
}

type handlerFunc func(ctx context.Context, env Envelope) (any, *RPCError)

// Bridge is the host side of one MCP App frame. Messages are handled one at
// a time in arrival order.
type Bridge struct {
	tool    Tool
	backend Backend
	logger  *logrus.Entry

	handlers map[string]handlerFunc

	mu          sync.Mutex
	frame       Frame
	mode        Mode
	html        string
	srcDoc      string
	errText     string
	theme       string
	height      int
	expanded    bool
	initialized bool
}

// NewBridge creates a bridge for tool. theme is "light" or "dark".
func NewBridge(tool Tool, backend Backend, theme string, logger *logrus.Entry) *Bridge {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if tool.Args == nil {
		tool.Args = map[string]any{}
	}
	if theme == "" {
		theme = "light"
	}
	b := &Bridge{
		tool:    tool,
		backend: backend,
		theme:   theme,
		height:  DefaultHeight,
		logger: logger.WithFields(logrus.Fields{
			"component":  "mcp_app_bridge",
			"serverName": tool.ServerName,
			"toolName":   tool.ToolName,
		}),
	}
	b.handlers = map[string]handlerFunc{
		MethodInitialize:    b.handleInitialize,
		MethodUIInitialize:  b.handleInitialize,
		MethodInitialized:   b.handleInitialized,
		MethodUIInitialized: b.handleInitialized,
		MethodToolsCall:     b.handleToolsCall,
		MethodToolsList:     b.handleToolsList,
		MethodSizeChanged:   b.handleSizeChanged,
		MethodUISizeChanged: b.handleSizeChanged,
	}
	return b
}

// Attach binds the frame. Messages from any other source are rejected.
func (b *Bridge) Attach(frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = frame
	b.initialized = false
}

// Mode returns the negotiated mode.
func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Tool returns the rendered tool.
func (b *Bridge) Tool() Tool { return b.tool }

func clampHeight(h int) int {
	return min(max(h, MinHeight), MaxHeight)
}

// View returns the current view.
func (b *Bridge) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewLocked()
}

func (b *Bridge) viewLocked() View {
	v := View{
		Mode:     b.mode,
		Sandbox:  SandboxScriptsOnly,
		Error:    b.errText,
		Height:   b.height,
		Expanded: b.expanded,
	}
	if b.expanded {
		v.Height = ExpandedHeight
	}
	switch b.mode {
	case ModeExtApps:
		v.HTML = b.html
	case ModeFallback:
		v.SrcDoc = b.srcDoc
	}
	return v
}

// Load negotiates the rendering mode. A resource fetch failure falls back to
// the generated page without surfacing an error; the returned error is only
// set when ctx ends.
func (b *Bridge) Load(ctx context.Context) (View, error) {
	if b.tool.ResourceURI != "" {
		html, err := b.backend.ReadResource(ctx, b.tool.ResourceURI)
		if err == nil {
			b.mu.Lock()
			b.mode = ModeExtApps
			b.html = html
			b.errText = ""
			v := b.viewLocked()
			b.mu.Unlock()
			b.logger.WithField("resourceUri", b.tool.ResourceURI).Info("Loaded MCP App resource")
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return b.View(), ctxErr
		}
		b.logger.WithError(err).Debug("No UI resource, using generated view")
	}

	b.mu.Lock()
	b.mode = ModeFallback
	b.mu.Unlock()
	return b.renderFallback(ctx)
}

func (b *Bridge) renderFallback(ctx context.Context) (View, error) {
	result, err := b.backend.CallTool(ctx, b.tool.ServerName, b.tool.ToolName, b.tool.Args)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return b.viewLocked(), ctxErr
		}
		b.logger.WithError(err).Warn("Tool call for generated view failed")
		b.errText = boundMessage(err.Error())
		b.srcDoc = ErrorPanel(b.errText)
		return b.viewLocked(), nil
	}

	if result.IsError {
		msg := strings.TrimSpace(result.Text())
		if msg == "" {
			msg = "the tool reported an error"
		}
		b.logger.WithField("tool", b.tool.ToolName).Warn("Tool returned an error result for generated view")
		b.errText = boundMessage(msg)
		b.srcDoc = ErrorPanel(b.errText)
		return b.viewLocked(), nil
	}

	page, err := GenerateHTML(b.tool.ToolName, b.theme, result)
	if err != nil {
		b.errText = boundMessage(err.Error())
		b.srcDoc = ErrorPanel(b.errText)
		return b.viewLocked(), nil
	}
	b.errText = ""
	b.srcDoc = page
	return b.viewLocked(), nil
}

// Refresh re-runs the tool in the negotiated mode: ext-apps frames receive
// fresh input and result notifications, generated views are rebuilt.
func (b *Bridge) Refresh(ctx context.Context) (View, error) {
	switch b.Mode() {
	case ModeExtApps:
		if err := b.pushToolData(ctx); err != nil {
			return b.View(), err
		}
		return b.View(), nil
	case ModeFallback:
		return b.renderFallback(ctx)
	}
	return b.Load(ctx)
}

// ToggleExpanded flips between the clamped height and the expanded height.
func (b *Bridge) ToggleExpanded() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expanded = !b.expanded
	return b.viewLocked()
}

// SetHeight records a height reported by the frame, clamped to the bounds.
func (b *Bridge) SetHeight(h float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.height = clampHeight(int(math.Ceil(h)))
	return b.height
}

// SetTheme changes the theme. An initialized ext-apps frame is notified.
func (b *Bridge) SetTheme(theme string) error {
	b.mu.Lock()
	b.theme = theme
	notify := b.mode == ModeExtApps && b.initialized
	b.mu.Unlock()
	if !notify {
		return nil
	}
	return b.notify(MethodHostContextSync, map[string]any{"theme": theme})
}

func (b *Bridge) post(env *Envelope) error {
	b.mu.Lock()
	frame := b.frame
	b.mu.Unlock()
	if frame == nil {
		return errors.New("no frame attached")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return frame.Post(data)
}

func (b *Bridge) notify(method string, params any) error {
	env, err := Notification(method, params)
	if err != nil {
		return err
	}
	return b.post(env)
}

// HandleMessage is the bridge's inbox. source identifies the sending frame;
// anything not from the attached frame is dropped.
//
// Parameters:
//   - ctx: Bounds the backend calls made while handling the message
//   - source: ID of the frame the message came from
//   - data: The raw message
//
// Returns:
//   - error: ErrForeignSource, or a failure to post the response; protocol
//     errors are answered on the channel instead
func (b *Bridge) HandleMessage(ctx context.Context, source string, data []byte) error {
	b.mu.Lock()
	frame := b.frame
	b.mu.Unlock()
	if frame == nil || frame.ID() != source {
		b.logger.WithField("source", source).Debug("Dropping message from foreign frame")
		return ErrForeignSource
	}

	var resize resizeMessage
	if err := json.Unmarshal(data, &resize); err == nil && resize.Type == ResizeMessageType {
		b.SetHeight(resize.Height)
		return nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed frame message")
		return nil
	}
	if env.JSONRPC != JSONRPCVersion {
		b.logger.WithField("jsonrpc", env.JSONRPC).Debug("Ignoring non JSON-RPC message")
		return nil
	}

	resp, err := b.Dispatch(ctx, env)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return b.post(resp)
}

// Dispatch routes one envelope through the handler table and returns the
// response to send, or nil for notifications and responses.
func (b *Bridge) Dispatch(ctx context.Context, env Envelope) (resp *Envelope, err error) {
	if env.IsResponse() {
		b.logger.Debug("Ignoring response from frame")
		return nil, nil
	}
	if env.Method == "" {
		return errorEnvelope(env.ID, newRPCError(CodeInvalidRequest, "missing method")), nil
	}

	handler, ok := b.handlers[env.Method]
	if !ok {
		if env.IsNotification() {
			b.logger.WithField("method", env.Method).Debug("Ignoring unknown notification")
			return nil, nil
		}
		b.logger.WithField("method", env.Method).Info("Unknown request method")
		return errorEnvelope(env.ID, newRPCError(CodeMethodNotFound, "Method not found: "+env.Method)), nil
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("panic", r).Error("MCP App handler panicked")
			resp, err = nil, nil
			if env.IsRequest() {
				resp = errorEnvelope(env.ID, newRPCError(CodeInternalError, fmt.Sprintf("internal error: %v", r)))
			}
		}
	}()

	result, rpcErr := handler(ctx, env)
	if !env.IsRequest() {
		return nil, nil
	}
	if rpcErr != nil {
		return errorEnvelope(env.ID, rpcErr), nil
	}
	return resultEnvelope(env.ID, result)
}

func (b *Bridge) handleInitialize(_ context.Context, _ Envelope) (any, *RPCError) {
	b.mu.Lock()
	theme := b.theme
	b.mu.Unlock()
	return InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		HostInfo:        mcp.Implementation{Name: hostName, Version: hostVersion},
		HostCapabilities: HostCapabilities{
			ServerTools: map[string]any{},
		},
		HostContext: HostContext{
			Theme:       theme,
			DisplayMode: "inline",
			Platform:    "web",
		},
	}, nil
}

func (b *Bridge) handleInitialized(ctx context.Context, _ Envelope) (any, *RPCError) {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	if err := b.pushToolData(ctx); err != nil {
		b.logger.WithError(err).Warn("Failed to push tool data")
	}
	return nil, nil
}

// pushToolData sends the tool input, runs the tool and sends its result.
func (b *Bridge) pushToolData(ctx context.Context) error {
	if err := b.notify(MethodToolInput, map[string]any{"arguments": b.tool.Args}); err != nil {
		return err
	}
	result, err := b.backend.CallTool(ctx, b.tool.ServerName, b.tool.ToolName, b.tool.Args)
	if err != nil {
		b.logger.WithError(err).Warn("Tool call for MCP App failed")
		return b.notify(MethodToolResult, mcp.NewToolResultError(boundMessage(err.Error())))
	}
	return b.notify(MethodToolResult, result.CallToolResult())
}

func (b *Bridge) handleToolsCall(ctx context.Context, env Envelope) (any, *RPCError) {
	var params toolsCallParams
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Name == "" {
		return nil, newRPCError(CodeInvalidParams, "tools/call requires a tool name")
	}
	result, err := b.backend.CallTool(ctx, b.tool.ServerName, params.Name, params.Arguments)
	if err != nil {
		b.logger.WithError(err).WithField("tool", params.Name).Warn("Frame tool call failed")
		return nil, newRPCError(CodeInternalError, err.Error())
	}
	return result.CallToolResult(), nil
}

func (b *Bridge) handleToolsList(ctx context.Context, _ Envelope) (any, *RPCError) {
	infos, err := b.backend.ListTools(ctx, b.tool.ServerName)
	if err != nil {
		b.logger.WithError(err).Debug("Tool listing failed, offering the rendered tool only")
		infos = []ToolInfo{{Name: b.tool.ToolName}}
	}
	tools := make([]mcp.Tool, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, info.MCPTool())
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

func (b *Bridge) handleSizeChanged(_ context.Context, env Envelope) (any, *RPCError) {
	var params sizeChangedParams
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Height == nil {
		return nil, newRPCError(CodeInvalidParams, "size-changed requires a height")
	}
	b.SetHeight(*params.Height)
	return struct{}{}, nil
}

func boundMessage(msg string) string {
	return truncateUTF8(msg, MaxErrorMessage)
}
