package devbackend

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
)

const logTruncateLength = 500

// queryLogHandler logs the model and tool activity of one streaming query.
type queryLogHandler struct {
	callbacks.SimpleHandler
	requestLogger *logrus.Entry
	chunks        int
}

var _ callbacks.Handler = (*queryLogHandler)(nil)

func newQueryLogHandler(requestLogger *logrus.Entry) *queryLogHandler {
	return &queryLogHandler{requestLogger: requestLogger}
}

func truncateForLog(text string) string {
	if len(text) <= logTruncateLength {
		return text
	}
	return text[:logTruncateLength] + "..."
}

func (h *queryLogHandler) HandleLLMGenerateContentStart(_ context.Context, ms []llms.MessageContent) {
	h.requestLogger.WithField("messageCount", len(ms)).Info("LLM content generation started")
}

func (h *queryLogHandler) HandleLLMGenerateContentEnd(_ context.Context, res *llms.ContentResponse) {
	response := ""
	if res != nil && len(res.Choices) > 0 {
		response = truncateForLog(res.Choices[0].Content)
	}
	h.requestLogger.WithFields(logrus.Fields{
		"chunks":   h.chunks,
		"response": response,
	}).Info("LLM content generation completed")
}

func (h *queryLogHandler) HandleLLMError(_ context.Context, err error) {
	h.requestLogger.WithFields(logrus.Fields{
		"chunks": h.chunks,
		"error":  err.Error(),
	}).Error("LLM call failed")
}

func (h *queryLogHandler) HandleToolStart(_ context.Context, input string) {
	h.requestLogger.WithField("input", input).Info("Tool execution started")
}

func (h *queryLogHandler) HandleToolEnd(_ context.Context, output string) {
	h.requestLogger.WithFields(logrus.Fields{
		"output":       truncateForLog(output),
		"outputLength": len(output),
	}).Info("Tool execution completed")
}

func (h *queryLogHandler) HandleToolError(_ context.Context, err error) {
	h.requestLogger.WithField("error", err.Error()).Error("Tool execution failed")
}

func (h *queryLogHandler) HandleStreamingFunc(_ context.Context, chunk []byte) {
	h.chunks++
	h.requestLogger.WithFields(logrus.Fields{
		"chunk":     h.chunks,
		"chunkSize": len(chunk),
	}).Debug("Streaming chunk received")
}
