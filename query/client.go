/*
Package query submits prompts to the Lightspeed backend and drives the
resulting answer stream into a chat session.

This file holds the HTTP client shared by every backend call:
- StreamQuery opens the chunked streaming response with no wall-clock timeout
- PostJSON and GetJSON make discrete calls bounded by the request timeout and
  routed through a circuit breaker so a failing backend fails fast
- HTTPError and ErrorMessage turn non-2xx responses into entry error text
*/
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"lightspeed/attachment"
)

// Backend paths, relative to the base URL.
const (
	PathStreamingQuery = "/v1/streaming_query"
	PathFeedback       = "/v1/feedback"
	PathFeedbackStatus = "/v1/feedback/status"
	PathMCPResources   = "/v1/mcp/resources"
	PathMCPToolsCall   = "/v1/mcp/tools/call"
	PathMCPTools       = "/v1/mcp/tools"
	PathReadiness      = "/readiness"
)

// MediaTypeJSON is the only media type the console requests.
const MediaTypeJSON = "application/json"

const (
	defaultTimeout          = 5 * time.Minute
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
	maxErrorBody            = 64 * 1024
)

var (
	// ErrEmptyQuery is returned when the prompt is blank.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrStreaming is returned when a submit arrives while an answer streams.
	ErrStreaming = errors.New("a response is still streaming")
	// ErrRequestFailed wraps every non-2xx backend response.
	ErrRequestFailed = errors.New("backend request failed")
)

// Request is the streaming query body.
type Request struct {
	Query          string                `json:"query"`
	ConversationID *string               `json:"conversation_id"`
	MediaType      string                `json:"media_type"`
	Attachments    []attachment.Outgoing `json:"attachments"`
}

// HTTPError describes a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Detail     string
	MoreInfo   string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Unwrap() error { return ErrRequestFailed }

// newHTTPError reads the response body for a "detail" field. The backend
// sends either a plain string or an object with response and cause.
func newHTTPError(resp *http.Response) *HTTPError {
	herr := &HTTPError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		herr.Detail = strings.TrimSpace(string(body))
		if len(herr.Detail) > 500 {
			herr.Detail = herr.Detail[:500]
		}
		return herr
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		herr.Detail = text
		return herr
	}
	var obj struct {
		Response string `json:"response"`
		Cause    string `json:"cause"`
	}
	if err := json.Unmarshal(payload.Detail, &obj); err == nil {
		herr.Detail = obj.Response
		herr.MoreInfo = obj.Cause
	}
	return herr
}

// ErrorMessage derives the text shown on an errored entry.
func ErrorMessage(err error) (message, moreInfo string) {
	var herr *HTTPError
	switch {
	case errors.As(err, &herr):
		if herr.Detail != "" {
			return herr.Detail, herr.MoreInfo
		}
		return fmt.Sprintf("Request failed with status %d %s", herr.StatusCode, http.StatusText(herr.StatusCode)), herr.MoreInfo
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out", ""
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "The Lightspeed service is temporarily unavailable", err.Error()
	case err != nil:
		return "Failed to reach the Lightspeed service", err.Error()
	}
	return "", ""
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to the Lightspeed backend.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *logrus.Entry
}

// NewClient creates a backend client.
//
// Parameters:
//   - opts: Base URL, optional bearer token, discrete-call timeout and logger
//
// Returns:
//   - *Client: Client ready for use
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	entry := logger.WithField("component", "query_client")
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "lightspeed-backend",
		MaxRequests: 1,
		Timeout:     defaultBreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state change")
		},
		// Client errors mean the backend is up.
		IsSuccessful: func(err error) bool {
			var herr *HTTPError
			if errors.As(err, &herr) {
				return herr.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: timeout,
		http:    hc,
		breaker: cb,
		logger:  entry,
	}
}

// BreakerState reports the circuit breaker state for status endpoints.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// StreamQuery opens the streaming query and returns the response body. The
// stream runs until the body ends or ctx is cancelled.
func (c *Client) StreamQuery(ctx context.Context, body Request) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, PathStreamingQuery, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	c.logger.WithFields(logrus.Fields{
		"conversationId": body.ConversationID,
		"attachments":    len(body.Attachments),
		"queryLength":    len(body.Query),
	}).Debug("Opening streaming query")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streaming query: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		herr := newHTTPError(resp)
		c.logger.WithFields(logrus.Fields{
			"statusCode": resp.StatusCode,
			"detail":     herr.Detail,
		}).Warn("Streaming query rejected")
		return nil, herr
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := c.newRequest(ctx, method, path, in)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, newHTTPError(resp)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", path, err)
		}
		return data, nil
	})
}

func decodeInto(path string, data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// PostJSON posts in as JSON and decodes the response into out, which may be
// nil. The call is bounded by the request timeout.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	return decodeInto(path, data, out)
}

// GetJSON fetches path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeInto(path, data, out)
}
