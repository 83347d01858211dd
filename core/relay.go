/*
Package core relays MCP App frames over websockets.

The console renders each MCP App in a sandboxed iframe. The browser relays
the iframe's postMessage traffic over one websocket per frame, and this
file connects that socket to an mcpapp.Bridge: frame messages go to
HandleMessage, bridge posts come back as relay messages, and view changes
(mode, srcdoc, height) are pushed to the console.
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lightspeed/mcpapp"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024
)

var errRelayClosed = errors.New("relay closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsFrame is the mcpapp.Frame of one relay socket.
type wsFrame struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logrus.Entry
}

func newWSFrame(conn *websocket.Conn, logger *logrus.Entry) *wsFrame {
	id := uuid.NewString()
	return &wsFrame{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger.WithField("frameID", id),
	}
}

func (f *wsFrame) ID() string { return f.id }

// Post relays a bridge message to the frame.
func (f *wsFrame) Post(data []byte) error {
	return f.enqueue(RelayEnvelope{Type: RelayMessage, Source: f.id, Data: data})
}

func (f *wsFrame) enqueue(env RelayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-f.done:
		return errRelayClosed
	default:
	}
	select {
	case f.send <- data:
		return nil
	case <-f.done:
		return errRelayClosed
	default:
		f.logger.Warn("Relay send buffer full")
		return errors.New("relay send buffer full")
	}
}

func (f *wsFrame) sendView(v mcpapp.View) {
	if err := f.enqueue(RelayEnvelope{Type: RelayView, Source: f.id, View: &v}); err != nil {
		f.logger.WithError(err).Debug("Failed to queue view")
	}
}

func (f *wsFrame) sendError(msg string) {
	if err := f.enqueue(RelayEnvelope{Type: RelayError, Error: msg}); err != nil {
		f.logger.WithError(err).Debug("Failed to queue error")
	}
}

func (f *wsFrame) close() {
	f.once.Do(func() { close(f.done) })
}

// writePump writes queued messages and keeps the connection alive.
func (f *wsFrame) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()

	for {
		select {
		case message := <-f.send:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				f.logger.WithError(err).Debug("Relay write failed")
				f.close()
				return
			}
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.close()
				return
			}
		case <-f.done:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			f.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump feeds client messages to the bridge until the socket closes.
func (f *wsFrame) readPump(ctx context.Context, bridge *mcpapp.Bridge) {
	defer f.close()

	f.conn.SetReadLimit(maxMessageSize)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.WithError(err).Warn("Relay read error")
			}
			return
		}

		var env RelayEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			f.sendError("invalid relay message")
			continue
		}
		f.handle(ctx, bridge, env)
	}
}

func (f *wsFrame) handle(ctx context.Context, bridge *mcpapp.Bridge, env RelayEnvelope) {
	switch env.Type {
	case RelayMessage:
		before := bridge.View()
		if err := bridge.HandleMessage(ctx, env.Source, env.Data); err != nil {
			if errors.Is(err, mcpapp.ErrForeignSource) {
				f.logger.WithField("source", env.Source).Debug("Dropped message from foreign frame")
				return
			}
			f.logger.WithError(err).Warn("Bridge failed to answer frame")
		}
		if after := bridge.View(); after.Height != before.Height {
			f.sendView(after)
		}

	case RelayRefresh:
		view, err := bridge.Refresh(ctx)
		if err != nil {
			f.logger.WithError(err).Warn("Refresh failed")
		}
		f.sendView(view)

	case RelayToggle:
		f.sendView(bridge.ToggleExpanded())

	case RelayTheme:
		if err := bridge.SetTheme(env.Theme); err != nil {
			f.logger.WithError(err).Debug("Theme change not delivered")
		}

	default:
		f.sendError("unknown relay message type " + env.Type)
	}
}

// toolFromQuery reads the rendered tool from the socket URL.
func toolFromQuery(c echo.Context) (mcpapp.Tool, error) {
	tool := mcpapp.Tool{
		ServerName:  c.QueryParam("serverName"),
		ToolName:    c.QueryParam("toolName"),
		ResourceURI: c.QueryParam("resourceUri"),
	}
	if tool.ServerName == "" || tool.ToolName == "" {
		return tool, errors.New("serverName and toolName are required")
	}
	if raw := c.QueryParam("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tool.Args); err != nil {
			return tool, errors.New("args must be a JSON object")
		}
	}
	return tool, nil
}

// handleMCPAppSocket serves one MCP App frame.
func (s *Server) handleMCPAppSocket(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/mcp-apps/ws").WithField("sessionID", session.ID)

	tool, err := toolFromQuery(c)
	if err != nil {
		requestLogger.WithError(err).Warn("Rejected MCP App socket")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		requestLogger.WithError(err).Error("Failed to upgrade connection")
		return nil
	}

	frame := newWSFrame(conn, requestLogger)
	bridge := mcpapp.NewBridge(tool, s.backend, c.QueryParam("theme"), frame.logger)
	bridge.Attach(frame)
	session.AddBridge(frame.id, bridge)
	defer session.RemoveBridge(frame.id)

	go frame.writePump()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	requestLogger.WithFields(logrus.Fields{
		"frameID":    frame.id,
		"serverName": tool.ServerName,
		"toolName":   tool.ToolName,
	}).Info("MCP App frame opened")

	view, err := bridge.Load(ctx)
	if err != nil {
		requestLogger.WithError(err).Warn("MCP App load failed")
	}
	frame.sendView(view)

	frame.readPump(ctx, bridge)
	requestLogger.WithField("frameID", frame.id).Info("MCP App frame closed")
	return nil
}
