/*
Package core provides configuration management and logging initialization
for the Lightspeed console.

This file handles:
- Loading configuration from environment variables with defaults
- Structured logging setup with a configurable level
- Console session and streaming limits
- Development backend model selection

Environment variables always win over defaults; values that fail to parse
are ignored and the default is kept.
*/
package core

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every configurable value of the console and the development
// backend.
type Config struct {
	// Console server configuration
	Port string // HTTP port of the console API (default: "9001")

	// Lightspeed backend configuration
	APIURL         string        // Base URL of the Lightspeed service (default: "http://localhost:8080")
	APIToken       string        // Optional bearer token sent to the Lightspeed service
	RequestTimeout time.Duration // Timeout of discrete backend calls (default: 300s)

	// Attachment configuration
	AttachmentSizeWarning int   // Total attachment characters above which the console warns (default: 1000000)
	MaxUploadSize         int   // Characters accepted in one uploaded YAML document (default: 10000000)
	LogTailLines          int64 // Pod log lines fetched for a Log attachment (default: 200)
	Kubeconfig            string

	// Memory store configuration for console sessions
	SessionMaxAge   time.Duration // How long idle console sessions are kept (default: 24h)
	CleanupInterval time.Duration // How often expired sessions are removed (default: 1h)

	// Logging configuration
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of logged payloads (default: 500)

	// Development backend configuration
	DevBackendPort string // HTTP port of the development backend (default: "8080")
	LLMProvider    string // "ollama", "gemini" or "echo" (default: "echo")
	OllamaEndpoint string // Base URL of the Ollama API (default: "http://localhost:11434")
	OllamaModel    string // Ollama model name (default: "qwen3")
	GeminiAPIKey   string // Google Gemini API key (required for the gemini provider)
	GeminiModel    string // Gemini model name (default: "gemini-2.0-flash")
}

func envInt(name string, apply func(int)) {
	if raw := os.Getenv(name); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			apply(val)
		}
	}
}

// LoadConfig loads configuration from environment variables with defaults.
//
// Environment Variables:
//   - PORT: Console port (string)
//   - LIGHTSPEED_API_URL: Lightspeed service base URL (string)
//   - LIGHTSPEED_API_TOKEN: Bearer token for the Lightspeed service (string)
//   - REQUEST_TIMEOUT: Discrete request timeout in seconds (integer)
//   - ATTACHMENT_SIZE_WARNING: Attachment size warning threshold in characters (integer)
//   - LOG_TAIL_LINES: Pod log tail length (integer)
//   - KUBECONFIG: Kubeconfig path (string)
//   - SESSION_MAX_AGE_HOURS: Session expiry in hours (integer)
//   - CLEANUP_INTERVAL_MINUTES: Cleanup frequency in minutes (integer)
//   - LOG_LEVEL: Logging level (string)
//   - LOG_TRUNCATE_LENGTH: Log truncation length (integer)
//   - DEV_BACKEND_PORT: Development backend port (string)
//   - LLM_PROVIDER: "ollama", "gemini" or "echo" (string)
//   - OLLAMA_ENDPOINT, OLLAMA_MODEL: Ollama settings (string)
//   - GEMINI_API_KEY, GEMINI_MODEL: Gemini settings (string)
func LoadConfig() *Config {
	config := &Config{
		Port: "9001",

		APIURL:         "http://localhost:8080",
		RequestTimeout: 300 * time.Second,

		AttachmentSizeWarning: 1_000_000,
		MaxUploadSize:         10_000_000,
		LogTailLines:          200,

		SessionMaxAge:   24 * time.Hour,
		CleanupInterval: 1 * time.Hour,

		LogLevel:          "info",
		LogTruncateLength: 500,

		DevBackendPort: "8080",
		LLMProvider:    "echo",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen3",
		GeminiModel:    "gemini-2.0-flash",
	}

	if port := os.Getenv("PORT"); port != "" {
		config.Port = port
	}
	if url := os.Getenv("LIGHTSPEED_API_URL"); url != "" {
		config.APIURL = strings.TrimRight(url, "/")
	}
	config.APIToken = os.Getenv("LIGHTSPEED_API_TOKEN")
	config.Kubeconfig = os.Getenv("KUBECONFIG")

	envInt("REQUEST_TIMEOUT", func(v int) { config.RequestTimeout = time.Duration(v) * time.Second })
	envInt("ATTACHMENT_SIZE_WARNING", func(v int) { config.AttachmentSizeWarning = v })
	envInt("MAX_UPLOAD_SIZE", func(v int) { config.MaxUploadSize = v })
	envInt("LOG_TAIL_LINES", func(v int) { config.LogTailLines = int64(v) })
	envInt("SESSION_MAX_AGE_HOURS", func(v int) { config.SessionMaxAge = time.Duration(v) * time.Hour })
	envInt("CLEANUP_INTERVAL_MINUTES", func(v int) { config.CleanupInterval = time.Duration(v) * time.Minute })
	envInt("LOG_TRUNCATE_LENGTH", func(v int) { config.LogTruncateLength = v })

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}

	if port := os.Getenv("DEV_BACKEND_PORT"); port != "" {
		config.DevBackendPort = port
	}
	switch provider := strings.ToLower(os.Getenv("LLM_PROVIDER")); provider {
	case "ollama", "gemini", "echo":
		config.LLMProvider = provider
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		config.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		config.OllamaModel = model
	}
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	// Gemini without a key cannot start; fall back to the offline model.
	if config.LLMProvider == "gemini" && config.GeminiAPIKey == "" {
		config.LLMProvider = "echo"
	}

	return config
}

// InitializeLogger configures a JSON logger at the configured level and
// logs the loaded configuration. Secrets are never logged.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetOutput(os.Stdout)

	logger.WithFields(logrus.Fields{
		"port":                  config.Port,
		"apiURL":                config.APIURL,
		"apiTokenSet":           config.APIToken != "",
		"requestTimeout":        config.RequestTimeout,
		"attachmentSizeWarning": config.AttachmentSizeWarning,
		"maxUploadSize":         config.MaxUploadSize,
		"logTailLines":          config.LogTailLines,
		"sessionMaxAge":         config.SessionMaxAge,
		"cleanupInterval":       config.CleanupInterval,
		"logTruncateLength":     config.LogTruncateLength,
		"llmProvider":           config.LLMProvider,
		"ollamaEndpoint":        config.OllamaEndpoint,
		"ollamaModel":           config.OllamaModel,
		"geminiModel":           config.GeminiModel,
	}).Info("Configuration loaded")

	return logger
}

// Truncate shortens text for logging.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
