package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/feedback"
	"lightspeed/mcpapp"
	"lightspeed/query"
	"lightspeed/resource"
)

const keepAliveInterval = 15 * time.Second

// ServerOptions are the collaborators of the console server.
type ServerOptions struct {
	Client   *query.Client     // Lightspeed service client; required
	Backend  mcpapp.Backend    // MCP endpoints; defaults to the client's
	Provider resource.Provider // Cluster reader; nil disables cluster attachments
}

// Server is the console API.
type Server struct {
	memoryStore *MemoryStore
	streams     *StreamRegistry
	client      *query.Client
	backend     mcpapp.Backend
	provider    resource.Provider
	config      *Config
	logger      *logrus.Logger
	done        chan struct{}
	closeOnce   sync.Once
}

// NewServer creates the console server with all dependencies initialized.
func NewServer(config *Config, logger *logrus.Logger, opts ServerOptions) (*Server, error) {
	logger.Info("Starting server initialization")

	if opts.Client == nil {
		return nil, fmt.Errorf("a Lightspeed service client is required")
	}
	backend := opts.Backend
	if backend == nil {
		backend = mcpapp.NewHTTPBackend(opts.Client)
	}
	if opts.Provider == nil {
		logger.Warn("No Kubernetes access configured; cluster attachments are disabled")
	}

	memoryStore := NewMemoryStore(SessionDeps{
		Streamer:    opts.Client,
		Poster:      opts.Client,
		SizeWarning: config.AttachmentSizeWarning,
	}, config.SessionMaxAge, config.CleanupInterval, logger)
	logger.WithField("sessionMaxAge", config.SessionMaxAge).Info("Memory store initialized")

	logger.Info("Server initialization completed successfully")
	return &Server{
		memoryStore: memoryStore,
		streams:     NewStreamRegistry(),
		client:      opts.Client,
		backend:     backend,
		provider:    opts.Provider,
		config:      config,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Shutdown cancels every stream, ends the history feeds and stops session
// cleanup.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		cancelled := s.streams.CancelAll()
		s.memoryStore.Close()
		s.logger.WithField("cancelledStreams", cancelled).Info("Console server stopped")
	})
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = c.Request().Header.Get(echo.HeaderXRequestID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

// sessionFor returns the console session of the request. Websocket clients
// cannot set headers, so the sessionId query parameter is also accepted.
func (s *Server) sessionFor(c echo.Context) *ConsoleSession {
	id := c.Request().Header.Get(SessionHeader)
	if id == "" {
		id = c.QueryParam("sessionId")
	}
	session := s.memoryStore.GetOrCreateSession(id)
	c.Response().Header().Set(SessionHeader, session.ID)
	return session
}

func (s *Server) handlePrompt(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/prompt").WithField("sessionID", session.ID)

	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}

	ctrl, err := session.Pipeline.Submit(c.Request().Context(), req.Query)
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Query is required"})
	case errors.Is(err, query.ErrStreaming):
		requestLogger.Warn("Prompt rejected while streaming")
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "A response is still streaming"})
	case err != nil:
		requestLogger.WithError(err).Error("Prompt submission failed")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	s.streams.AddStream(StreamInfo{
		SessionID: session.ID,
		EntryID:   ctrl.EntryID(),
		StartedAt: ctrl.StartedAt(),
	}, session.Pipeline)
	go func() {
		<-ctrl.Done()
		s.streams.RemoveStream(session.ID, ctrl.EntryID())
	}()

	requestLogger.WithFields(logrus.Fields{
		"entryID":     ctrl.EntryID(),
		"queryLength": len(req.Query),
		"query":       Truncate(req.Query, s.config.LogTruncateLength),
	}).Info("Prompt dispatched")

	return c.JSON(http.StatusAccepted, PromptResponse{
		SessionID:   session.ID,
		EntryID:     ctrl.EntryID(),
		SizeWarning: session.Pipeline.SizeWarning(),
	})
}

func (s *Server) handleCancel(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/cancel").WithField("sessionID", session.ID)

	if s.streams.CancelStream(session.ID) || session.Pipeline.Cancel() {
		requestLogger.Info("Stream cancelled")
		return c.JSON(http.StatusOK, CancelResponse{
			Success:   true,
			Message:   "Stream cancelled",
			Cancelled: true,
		})
	}

	requestLogger.Debug("No stream to cancel")
	return c.JSON(http.StatusNotFound, CancelResponse{
		Success:   false,
		Message:   "No response is streaming",
		Cancelled: false,
	})
}

func (s *Server) handleHistory(c echo.Context) error {
	session := s.sessionFor(c)
	return c.JSON(http.StatusOK, HistoryResponse{
		SessionID:      session.ID,
		ConversationID: session.Chat.ConversationID(),
		Streaming:      session.Chat.Streaming(),
		Entries:        session.Chat.History(),
	})
}

// handleHistoryStream sends the history followed by every entry update as
// server-sent events until the client leaves or the server shuts down.
func (s *Server) handleHistoryStream(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/history/stream").WithField("sessionID", session.ID)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	feed := newHistoryFeed()
	unsubscribe := session.Chat.Subscribe(feed.pushEntry)
	defer unsubscribe()
	unhook := session.OnClear(func() { feed.push(HistoryMessage{Type: "cleared"}) })
	defer unhook()

	s.sendStreamMessage(c, HistoryMessage{Type: "session", SessionID: session.ID})
	for _, e := range session.Chat.History() {
		s.sendStreamMessage(c, HistoryMessage{Type: "entry", Entry: &e})
	}
	requestLogger.Debug("History feed opened")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			requestLogger.Debug("History feed closed by client")
			return nil
		case <-s.done:
			return nil
		case <-feed.ready:
			for _, msg := range feed.drain() {
				s.sendStreamMessage(c, msg)
			}
		case <-keepAlive.C:
			fmt.Fprint(c.Response(), ": keep-alive\n\n")
			c.Response().Flush()
		}
	}
}

func (s *Server) sendStreamMessage(c echo.Context, msg HistoryMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode history message")
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", string(data))
	c.Response().Flush()
}

func (s *Server) handleClearChat(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/chat/clear").WithField("sessionID", session.ID)

	cleared := session.Chat.Len()
	if err := session.ClearChat(); err != nil {
		if errors.Is(err, chat.ErrStreaming) {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: "A response is still streaming"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	requestLogger.WithField("clearedEntries", cleared).Info("Chat cleared")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId":      session.ID,
		"clearedEntries": cleared,
	})
}

func (s *Server) attachmentsResponse(store *attachment.Store, id string) AttachmentsResponse {
	return AttachmentsResponse{
		ID:          id,
		Attachments: store.List(),
		TotalSize:   store.TotalSize(),
		SizeWarning: store.ExceedsSizeLimit(),
	}
}

func (s *Server) handleListAttachments(c echo.Context) error {
	session := s.sessionFor(c)
	return c.JSON(http.StatusOK, s.attachmentsResponse(session.Attachments, ""))
}

func (s *Server) handleSetAttachment(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/attachments").WithField("sessionID", session.ID)

	var req AttachmentRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse attachment body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}
	if !req.AttachmentType.Valid() {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("Unknown attachment type %q", req.AttachmentType)})
	}

	kind := req.Kind
	if req.AttachmentType == attachment.TypeYAMLUpload {
		declared, err := attachment.ValidateUpload(req.Value, s.config.MaxUploadSize)
		if err != nil {
			requestLogger.WithError(err).Warn("Rejected YAML upload")
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		if kind == "" {
			kind = declared
		}
	}

	id := session.Attachments.Set(req.AttachmentType, kind, req.Name, req.OwnerName, req.Namespace, req.Value, req.OriginalValue)
	requestLogger.WithFields(logrus.Fields{
		"attachmentID":   id,
		"attachmentType": req.AttachmentType,
		"size":           len(req.Value),
	}).Debug("Attachment stored")
	return c.JSON(http.StatusOK, s.attachmentsResponse(session.Attachments, id))
}

func (s *Server) handleAttachResource(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/attachments/resource").WithField("sessionID", session.ID)

	if s.provider == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Kubernetes access is not configured"})
	}

	var req ResourceAttachmentRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse resource attachment body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}
	if err := req.Resource.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	id, err := resource.Attach(c.Request().Context(), s.provider, session.Attachments, req.AttachmentType, req.Resource, s.config.LogTailLines)
	if err != nil {
		requestLogger.WithError(err).WithFields(logrus.Fields{
			"kind": req.Resource.Kind,
			"name": req.Resource.Name,
		}).Warn("Failed to attach resource")
		status := http.StatusBadGateway
		if errors.Is(err, resource.ErrNotFound) {
			status = http.StatusNotFound
		}
		return c.JSON(status, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, s.attachmentsResponse(session.Attachments, id))
}

func (s *Server) handleDeleteAttachment(c echo.Context) error {
	session := s.sessionFor(c)
	id := c.Param("id")
	if _, ok := session.Attachments.Get(id); !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "Attachment not found"})
	}
	session.Attachments.Delete(id)
	return c.JSON(http.StatusOK, s.attachmentsResponse(session.Attachments, ""))
}

func (s *Server) handleClearAttachments(c echo.Context) error {
	session := s.sessionFor(c)
	session.Attachments.Clear()
	return c.JSON(http.StatusOK, s.attachmentsResponse(session.Attachments, ""))
}

func (s *Server) handleFeedback(c echo.Context) error {
	session := s.sessionFor(c)
	requestLogger := s.requestLogger(c, "/api/feedback").WithField("sessionID", session.ID)

	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse feedback body")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	}

	err := session.Feedback.Submit(c.Request().Context(), feedback.Request{
		EntryIndex: req.EntryIndex,
		Sentiment:  req.Sentiment,
		Text:       req.Text,
	})
	form := session.Feedback.Forms().Get(req.EntryIndex)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, FeedbackResponse{EntryIndex: req.EntryIndex, Form: form})
	case errors.Is(err, feedback.ErrSubmitFailed):
		return c.JSON(http.StatusBadGateway, FeedbackResponse{EntryIndex: req.EntryIndex, Form: form})
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleFeedbackForm(c echo.Context) error {
	session := s.sessionFor(c)
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Entry index must be a number"})
	}
	return c.JSON(http.StatusOK, FeedbackResponse{EntryIndex: index, Form: session.Feedback.Forms().Get(index)})
}

func (s *Server) handleFeedbackStatus(c echo.Context) error {
	enabled, err := query.FeedbackEnabled(c.Request().Context(), s.client)
	if err != nil {
		msg, more := query.ErrorMessage(err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: msg, MoreInfo: more})
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id := c.Request().Header.Get(SessionHeader)
	requestLogger := s.requestLogger(c, "/api/session").WithField("sessionID", id)

	if id == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Session ID required"})
	}
	s.streams.CancelStream(id)
	if !s.memoryStore.DeleteSession(id) {
		requestLogger.Warn("Session not found for deletion")
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleStatus(c echo.Context) error {
	activeStreams := s.streams.GetActiveStreams()
	memoryStats := s.memoryStore.GetSessionStats()

	response := map[string]interface{}{
		"status":        "healthy",
		"memory":        memoryStats,
		"activeStreams": activeStreams,
		"streamCount":   len(activeStreams),
		"backend": map[string]interface{}{
			"url":     s.config.APIURL,
			"breaker": s.client.BreakerState().String(),
		},
		"kubernetes": s.provider != nil,
	}

	s.requestLogger(c, "/status").WithFields(logrus.Fields{
		"activeStreams": len(activeStreams),
		"sessions":      memoryStats["totalSessions"],
	}).Debug("Status check completed")

	return c.JSON(http.StatusOK, response)
}

// RegisterRoutes registers all HTTP routes for the server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	api := e.Group("/api")
	api.POST("/prompt", s.handlePrompt)
	api.POST("/cancel", s.handleCancel)
	api.GET("/history", s.handleHistory)
	api.GET("/history/stream", s.handleHistoryStream)
	api.POST("/chat/clear", s.handleClearChat)
	api.DELETE("/session", s.handleDeleteSession)

	api.GET("/attachments", s.handleListAttachments)
	api.POST("/attachments", s.handleSetAttachment)
	api.POST("/attachments/resource", s.handleAttachResource)
	api.DELETE("/attachments", s.handleClearAttachments)
	api.DELETE("/attachments/:id", s.handleDeleteAttachment)

	api.POST("/feedback", s.handleFeedback)
	api.GET("/feedback/status", s.handleFeedbackStatus)
	api.GET("/feedback/:index", s.handleFeedbackForm)

	api.GET("/mcp-apps/ws", s.handleMCPAppSocket)

	e.GET("/status", s.handleStatus)
	s.logger.Info("Routes registered successfully")
}
