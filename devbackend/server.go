package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"lightspeed/mcpapp"
	"lightspeed/query"
	"lightspeed/resource"
	"lightspeed/stream"
)

// maxHistory bounds the messages remembered per conversation.
const maxHistory = 20

// FeedbackRecord is one stored feedback submission.
type FeedbackRecord struct {
	ConversationID string    `json:"conversation_id"`
	LLMResponse    string    `json:"llm_response"`
	Sentiment      int       `json:"sentiment"`
	UserFeedback   string    `json:"user_feedback"`
	UserQuestion   string    `json:"user_question"`
	Received       time.Time `json:"received"`
}

// Server answers the Lightspeed endpoints from a langchaingo model.
type Server struct {
	model   llms.Model
	toolbox *Toolbox
	prompt  prompts.PromptTemplate
	logger  *logrus.Logger

	mu            sync.Mutex
	conversations map[string][]llms.MessageContent
	feedback      []FeedbackRecord
}

// NewServer creates a development backend.
//
// Parameters:
//   - model: Model used to answer queries
//   - lister: Cluster source for the tools; SampleLister when nil
//   - logger: Logger instance for request logging
//
// Returns:
//   - *Server: Server ready to register routes
func NewServer(model llms.Model, lister resource.Lister, logger *logrus.Logger) *Server {
	if lister == nil {
		lister = SampleLister{}
	}
	toolbox := NewToolbox(lister)
	return &Server{
		model:         model,
		toolbox:       toolbox,
		prompt:        newSystemPrompt(toolbox.LangchainTools()),
		logger:        logger,
		conversations: make(map[string][]llms.MessageContent),
	}
}

// RegisterRoutes mounts the backend endpoints on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST(query.PathStreamingQuery, s.handleStreamingQuery)
	e.POST(query.PathFeedback, s.handleFeedback)
	e.GET(query.PathFeedbackStatus, s.handleFeedbackStatus)
	e.GET(query.PathReadiness, s.handleReadiness)
	e.POST(query.PathMCPResources, s.handleResource)
	e.POST(query.PathMCPToolsCall, s.handleToolsCall)
	e.GET(query.PathMCPTools, s.handleToolsList)
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"requestId": c.Response().Header().Get(echo.HeaderXRequestID),
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

func detail(status int, msg string) error {
	return echo.NewHTTPError(status, map[string]string{"detail": msg})
}

// eventWriter writes stream frames and flushes after each.
type eventWriter struct {
	c      echo.Context
	logger *logrus.Entry
	tokens int
}

func (w *eventWriter) send(name stream.Name, data any) error {
	ev, err := stream.NewEvent(name, data)
	if err != nil {
		return err
	}
	frame, err := ev.Frame()
	if err != nil {
		return err
	}
	if _, err := w.c.Response().Write(frame); err != nil {
		w.logger.WithError(err).Debug("Failed to write stream frame")
		return err
	}
	w.c.Response().Flush()
	return nil
}

func (w *eventWriter) token(text string) error {
	if text == "" {
		return nil
	}
	id := w.tokens
	w.tokens++
	return w.send(stream.EventToken, stream.TokenData{ID: id, Token: text})
}

func (s *Server) history(conversationID string) []llms.MessageContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llms.MessageContent(nil), s.conversations[conversationID]...)
}

func (s *Server) remember(conversationID, question, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.conversations[conversationID],
		llms.TextParts(llms.ChatMessageTypeHuman, question),
		llms.TextParts(llms.ChatMessageTypeAI, answer),
	)
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	s.conversations[conversationID] = msgs
}

// runTool calls the routed tool and reports both the call and its result.
// It returns the text handed to the model.
func (s *Server) runTool(ctx context.Context, w *eventWriter, h *queryLogHandler, tool ClusterTool, args map[string]any) string {
	callID := uuid.New().String()
	if err := w.send(stream.EventToolCall, stream.ToolCallData{
		ID:            callID,
		Name:          tool.Name(),
		Args:          args,
		ServerName:    ClusterServerName,
		UIResourceURI: UIResourceURI(tool),
	}); err != nil {
		return ""
	}

	input, _ := json.Marshal(args)
	h.HandleToolStart(ctx, tool.Name()+" "+string(input))
	text, data, err := tool.Invoke(ctx, args)
	status := "success"
	if err != nil {
		h.HandleToolError(ctx, err)
		status = "error"
		text = err.Error()
	} else {
		h.HandleToolEnd(ctx, text)
	}
	w.send(stream.EventToolResult, stream.ToolResultData{
		ID:                callID,
		Content:           text,
		Status:            status,
		StructuredContent: data,
	})
	return fmt.Sprintf("Result of tool %s (%s):\n%s", tool.Name(), status, text)
}

func (s *Server) handleStreamingQuery(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/v1/streaming_query")

	var req query.Request
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Warn("Invalid query body")
		return detail(http.StatusUnprocessableEntity, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return detail(http.StatusUnprocessableEntity, "query must not be empty")
	}

	conversationID := ""
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	requestLogger = requestLogger.WithFields(logrus.Fields{
		"conversationID": conversationID,
		"attachments":    len(req.Attachments),
	})
	requestLogger.Info("Streaming query received")
	startTime := time.Now()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	w := &eventWriter{c: c, logger: requestLogger}
	if err := w.send(stream.EventStart, stream.StartData{ConversationID: conversationID}); err != nil {
		return nil
	}

	system, err := renderSystemPrompt(s.prompt, req.Attachments, time.Now())
	if err != nil {
		requestLogger.WithError(err).Error("Failed to render system prompt")
		w.send(stream.EventError, stream.ErrorData{Response: "Failed to build prompt", Cause: err.Error()})
		return nil
	}
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, system)}
	messages = append(messages, s.history(conversationID)...)

	handler := newQueryLogHandler(requestLogger)
	if tool, args := s.toolbox.Route(req.Query); tool != nil {
		if observation := s.runTool(ctx, w, handler, tool, args); observation != "" {
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, observation))
		}
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Query))

	filter := &thinkFilter{}
	handler.HandleLLMGenerateContentStart(ctx, messages)
	resp, err := s.model.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			handler.HandleStreamingFunc(ctx, chunk)
			return w.token(filter.Write(string(chunk)))
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			requestLogger.WithField("duration", time.Since(startTime)).Info("Streaming query cancelled by client")
			return nil
		}
		handler.HandleLLMError(ctx, err)
		w.send(stream.EventError, stream.ErrorData{
			Response: "Oops, something went wrong during LLM invocation",
			Cause:    err.Error(),
		})
		return nil
	}
	handler.HandleLLMGenerateContentEnd(ctx, resp)
	if err := w.token(filter.Flush()); err != nil {
		return nil
	}

	end := stream.EndData{ReferencedDocuments: []stream.Reference{}}
	answer := ""
	if len(resp.Choices) > 0 {
		answer = CleanResponse(resp.Choices[0].Content)
		end.InputTokens, end.OutputTokens = tokenCounts(resp.Choices[0].GenerationInfo)
	}
	s.remember(conversationID, req.Query, answer)
	w.send(stream.EventEnd, end)

	requestLogger.WithFields(logrus.Fields{
		"duration":     time.Since(startTime),
		"tokens":       w.tokens,
		"answerLength": len(answer),
	}).Info("Streaming query completed")
	return nil
}

func (s *Server) handleFeedback(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/v1/feedback")

	var rec FeedbackRecord
	if err := c.Bind(&rec); err != nil {
		return detail(http.StatusUnprocessableEntity, "invalid feedback body")
	}
	if rec.ConversationID == "" {
		return detail(http.StatusUnprocessableEntity, "conversation_id is required")
	}
	rec.Received = time.Now()

	s.mu.Lock()
	s.feedback = append(s.feedback, rec)
	s.mu.Unlock()

	requestLogger.WithFields(logrus.Fields{
		"conversationID": rec.ConversationID,
		"sentiment":      rec.Sentiment,
		"hasText":        rec.UserFeedback != "",
	}).Info("Feedback stored")
	return c.JSON(http.StatusOK, map[string]string{"response": "feedback received"})
}

// Feedback returns the stored submissions.
func (s *Server) Feedback() []FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedbackRecord(nil), s.feedback...)
}

func (s *Server) handleFeedbackStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"functionality": "feedback",
		"status":        map[string]bool{"enabled": true},
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ready": true, "reason": "service is ready"})
}

func (s *Server) handleResource(c echo.Context) error {
	var req struct {
		ResourceURI string `json:"resource_uri"`
	}
	if err := c.Bind(&req); err != nil || req.ResourceURI == "" {
		return detail(http.StatusUnprocessableEntity, "resource_uri is required")
	}
	html, ok := s.toolbox.Resource(req.ResourceURI)
	if !ok {
		return detail(http.StatusNotFound, "resource not found: "+req.ResourceURI)
	}
	return c.JSON(http.StatusOK, map[string]string{"content": html})
}

func (s *Server) handleToolsCall(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/v1/mcp/tools/call")

	var req struct {
		ServerName string         `json:"server_name"`
		ToolName   string         `json:"tool_name"`
		Arguments  map[string]any `json:"arguments"`
	}
	if err := c.Bind(&req); err != nil {
		return detail(http.StatusUnprocessableEntity, "invalid tool call body")
	}
	tool, ok := s.toolbox.Lookup(req.ServerName, req.ToolName)
	if !ok {
		requestLogger.WithFields(logrus.Fields{"server": req.ServerName, "tool": req.ToolName}).Warn("Unknown tool")
		return detail(http.StatusNotFound, fmt.Sprintf("tool %s/%s not found", req.ServerName, req.ToolName))
	}

	text, data, err := invokeLogged(c.Request().Context(), tool, req.Arguments)
	if err != nil {
		return c.JSON(http.StatusOK, mcpapp.ToolResult{
			Content: []mcpapp.ContentItem{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	return c.JSON(http.StatusOK, mcpapp.ToolResult{
		Content:           []mcpapp.ContentItem{{Type: "text", Text: text}},
		StructuredContent: data,
	})
}

func (s *Server) handleToolsList(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]mcp.Tool{
		"tools": s.toolbox.Definitions(c.QueryParam("server_name")),
	})
}
