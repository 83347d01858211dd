/*
Package devbackend is a development stand-in for the Lightspeed service.

It serves the endpoints the console consumes: the streaming query endpoint
with its start, token, tool call, tool result, end and error events, plus
feedback, readiness and the MCP resource and tool proxy. Answers come from
a langchaingo model (Ollama, Gemini or a built-in echo model for offline
work), and cluster questions are answered with tools over resource.Lister.
*/
package devbackend

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ModelConfig selects and configures the answer model.
type ModelConfig struct {
	Provider       string // "ollama", "gemini" or "echo"
	OllamaEndpoint string
	OllamaModel    string
	GeminiAPIKey   string
	GeminiModel    string
}

// NewModel initializes the configured model.
//
// Parameters:
//   - ctx: Used for provider initialization
//   - cfg: Provider selection and settings
//   - logger: Logger for initialization progress
//
// Returns:
//   - llms.Model: Model ready for streaming generation
//   - error: Missing credentials or provider initialization failure
func NewModel(ctx context.Context, cfg ModelConfig, logger *logrus.Logger) (llms.Model, error) {
	switch cfg.Provider {
	case "gemini":
		logger.WithField("provider", "gemini").Info("Initializing Gemini LLM")
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini API key is required when using gemini provider. Set GEMINI_API_KEY environment variable")
		}
		modelName := cfg.GeminiModel
		if modelName == "" {
			modelName = "gemini-2.0-flash"
		}
		llm, err := googleai.New(ctx,
			googleai.WithAPIKey(cfg.GeminiAPIKey),
			googleai.WithDefaultModel(modelName),
		)
		if err != nil {
			logger.WithError(err).WithField("model", modelName).Error("Failed to initialize Gemini LLM")
			return nil, fmt.Errorf("failed to initialize Gemini LLM: %w", err)
		}
		logger.WithField("model", modelName).Info("Gemini LLM initialized successfully")
		return llm, nil

	case "ollama":
		logger.WithField("provider", "ollama").Info("Initializing Ollama LLM")
		endpoint := cfg.OllamaEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		modelName := cfg.OllamaModel
		if modelName == "" {
			modelName = "qwen3"
		}
		llm, err := ollama.New(
			ollama.WithServerURL(endpoint),
			ollama.WithModel(modelName),
		)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"endpoint": endpoint,
				"model":    modelName,
			}).Error("Failed to initialize Ollama LLM")
			return nil, fmt.Errorf("failed to initialize Ollama LLM: %w", err)
		}
		logger.WithFields(logrus.Fields{"endpoint": endpoint, "model": modelName}).Info("Ollama LLM initialized successfully")
		return llm, nil
	}

	logger.WithField("provider", "echo").Info("Using built-in echo model")
	return EchoModel{}, nil
}

// EchoModel answers with the last human message, streamed word by word. It
// needs no network and exists for offline development and tests.
type EchoModel struct{}

var _ llms.Model = EchoModel{}

// GenerateContent implements llms.Model.
func (EchoModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	question := ""
	for _, m := range messages {
		if m.Role != llms.ChatMessageTypeHuman {
			continue
		}
		for _, part := range m.Parts {
			if text, ok := part.(llms.TextContent); ok {
				question = text.Text
			}
		}
	}
	answer := "You asked: " + question

	if opts.StreamingFunc != nil {
		for _, chunk := range splitWords(answer) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}

	promptTokens := 0
	for _, m := range messages {
		for _, part := range m.Parts {
			if text, ok := part.(llms.TextContent); ok {
				promptTokens += len(strings.Fields(text.Text))
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    answer,
		StopReason: "stop",
		GenerationInfo: map[string]any{
			"input_tokens":  promptTokens,
			"output_tokens": len(strings.Fields(answer)),
		},
	}}}, nil
}

// Call implements llms.Model.
func (m EchoModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// splitWords splits text into chunks that each end after a run of spaces,
// so the chunks concatenate back to text.
func splitWords(text string) []string {
	var chunks []string
	start := 0
	for i, r := range text {
		if i > start && unicode.IsSpace(r) && !unicode.IsSpace(rune(text[i-1])) {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

// tokenCounts reads token usage from provider specific generation info.
func tokenCounts(info map[string]any) (input, output int) {
	read := func(keys ...string) int {
		for _, k := range keys {
			switch v := info[k].(type) {
			case int:
				return v
			case int32:
				return int(v)
			case int64:
				return int(v)
			case float64:
				return int(v)
			}
		}
		return 0
	}
	return read("input_tokens", "PromptTokens", "prompt_tokens"), read("output_tokens", "CompletionTokens", "completion_tokens")
}
