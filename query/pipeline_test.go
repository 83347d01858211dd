package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightspeed/attachment"
	"lightspeed/chat"
)

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

type recordedRequest struct {
	Query          string           `json:"query"`
	ConversationID *string          `json:"conversation_id"`
	MediaType      string           `json:"media_type"`
	Attachments    []map[string]any `json:"attachments"`
	Raw            map[string]any   `json:"-"`
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	headers  []http.Header
	frames   []string
	status   int
	errBody  string
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var rec recordedRequest
	_ = json.Unmarshal(body, &rec)
	_ = json.Unmarshal(body, &rec.Raw)

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.headers = append(f.headers, r.Header.Clone())
	status, errBody, frames := f.status, f.errBody, f.frames
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, errBody)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, frame := range frames {
		_, _ = io.WriteString(w, frame)
		flusher.Flush()
	}
}

func (f *fakeBackend) request(i int) recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func frame(event string, data string) string {
	return fmt.Sprintf("data: {\"event\":%q,\"data\":%s}\n\n", event, data)
}

func newTestPipeline(t *testing.T, backend http.Handler) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	logger := quietLogger()
	client := NewClient(Options{BaseURL: srv.URL, Token: "secret", Logger: logger})
	session := chat.NewSession(logrus.NewEntry(logger))
	return NewPipeline(client, session, attachment.NewStore(0), logrus.NewEntry(logger)), srv
}

func TestPingScenario(t *testing.T) {
	backend := &fakeBackend{frames: []string{
		frame("start", `{"conversation_id":"abc"}`),
		frame("token", `{"id":0,"token":"Hi"}`),
		frame("token", `{"id":1,"token":" there"}`),
		frame("end", `{"referenced_documents":[],"truncated":false}`),
	}}
	p, _ := newTestPipeline(t, backend)

	ctrl, err := p.Submit(context.Background(), "ping")
	require.NoError(t, err)
	p.Wait()

	first := backend.request(0)
	assert.Equal(t, "ping", first.Query)
	assert.Nil(t, first.ConversationID)
	assert.Contains(t, first.Raw, "conversation_id")
	assert.Equal(t, "application/json", first.MediaType)
	assert.Equal(t, "Bearer secret", backend.headers[0].Get("Authorization"))

	a, ok := p.Session().AIEntry(ctrl.EntryID())
	require.True(t, ok)
	assert.Equal(t, "Hi there", a.Text)
	assert.False(t, a.IsStreaming)
	assert.False(t, a.IsTruncated)
	assert.Empty(t, a.References)
	assert.Equal(t, chat.StateCompleted, a.State())
	assert.Equal(t, "abc", p.Session().ConversationID())

	_, err = p.Submit(context.Background(), "again")
	require.NoError(t, err)
	p.Wait()

	second := backend.request(1)
	require.NotNil(t, second.ConversationID)
	assert.Equal(t, "abc", *second.ConversationID)
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeBackend{})
	_, err := p.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Equal(t, 0, p.Session().Len())
}

func TestSubmitCapturesAttachmentsAndClearsStore(t *testing.T) {
	backend := &fakeBackend{frames: []string{frame("end", `{"referenced_documents":[],"truncated":false}`)}}
	p, _ := newTestPipeline(t, backend)

	orig := "replicas: 1"
	p.Attachments().Set(attachment.TypeYAML, "Deployment", "web", "", "default", "replicas: 2", &orig)

	_, err := p.Submit(context.Background(), "why")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Attachments().Len())
	p.Attachments().Set(attachment.TypeLog, "Pod", "web-1", "web", "default", "later", nil)
	p.Wait()

	req := backend.request(0)
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "YAML", req.Attachments[0]["attachmentType"])
	assert.Equal(t, "replicas: 2", req.Attachments[0]["value"])
	assert.NotContains(t, req.Attachments[0], "originalValue")
	assert.NotContains(t, req.Attachments[0], "id")

	h := p.Session().History()
	require.Len(t, h[0].User.Attachments, 1)
	assert.Nil(t, h[0].User.Attachments[0].OriginalValue)
}

func TestNonSuccessStatusErrorsEntry(t *testing.T) {
	backend := &fakeBackend{status: http.StatusInternalServerError, errBody: `{"detail":{"response":"LLM down","cause":"connection refused"}}`}
	p, _ := newTestPipeline(t, backend)

	ctrl, err := p.Submit(context.Background(), "q")
	require.NoError(t, err)
	p.Wait()

	a, _ := p.Session().AIEntry(ctrl.EntryID())
	assert.Equal(t, chat.StateErrored, a.State())
	require.NotNil(t, a.Error)
	assert.Equal(t, "LLM down", a.Error.Message)
	assert.Equal(t, "connection refused", a.Error.MoreInfo)
}

func TestStreamWithoutTerminalEventCloses(t *testing.T) {
	backend := &fakeBackend{frames: []string{frame("token", `{"token":"half"}`)}}
	p, _ := newTestPipeline(t, backend)

	ctrl, err := p.Submit(context.Background(), "q")
	require.NoError(t, err)
	p.Wait()

	a, _ := p.Session().AIEntry(ctrl.EntryID())
	assert.Equal(t, "half", a.Text)
	assert.False(t, a.IsStreaming)
	assert.Nil(t, a.Error)
}

func TestCancelResolvesCancelledNotErrored(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, frame("token", `{"token":"partial"}`))
		w.(http.Flusher).Flush()
		once.Do(func() { close(release) })
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		_, _ = io.WriteString(w, frame("end", `{"referenced_documents":[],"truncated":false}`))
	})
	p, _ := newTestPipeline(t, handler)

	ctrl, err := p.Submit(context.Background(), "q")
	require.NoError(t, err)

	<-release
	require.Eventually(t, func() bool {
		a, _ := p.Session().AIEntry(ctrl.EntryID())
		return a.Text == "partial"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = p.Submit(context.Background(), "blocked")
	assert.ErrorIs(t, err, ErrStreaming)

	assert.True(t, p.Cancel())
	p.Wait()

	a, _ := p.Session().AIEntry(ctrl.EntryID())
	assert.Equal(t, chat.StateCancelled, a.State())
	assert.Equal(t, "partial", a.Text)
	assert.Nil(t, a.Error)
	assert.True(t, ctrl.Cancelled())

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("controller not done after Wait")
	}
}

func TestSizeWarning(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeBackend{})
	p.Attachments().Set(attachment.TypeLog, "Pod", "a", "", "ns", strings.Repeat("a", 600000), nil)
	assert.False(t, p.SizeWarning())
	p.Attachments().Set(attachment.TypeLog, "Pod", "b", "", "ns", strings.Repeat("a", 500000), nil)
	assert.True(t, p.SizeWarning())
}

func TestErrorMessage(t *testing.T) {
	msg, _ := ErrorMessage(&HTTPError{StatusCode: 404})
	assert.Equal(t, "Request failed with status 404 Not Found", msg)

	msg, more := ErrorMessage(&HTTPError{StatusCode: 422, Detail: "bad", MoreInfo: "why"})
	assert.Equal(t, "bad", msg)
	assert.Equal(t, "why", more)

	msg, _ = ErrorMessage(fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.Equal(t, "The request timed out", msg)

	assert.ErrorIs(t, &HTTPError{StatusCode: 500}, ErrRequestFailed)
}

func TestPostJSONDecodesDetailString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"sentiment must be -1, 0 or 1"}`)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Logger: quietLogger()})
	err := c.PostJSON(context.Background(), PathFeedback, map[string]any{"x": 1}, nil)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.StatusCode)
	assert.Equal(t, "sentiment must be -1, 0 or 1", herr.Detail)
}

func TestPostJSONTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: quietLogger()})
	err := c.PostJSON(context.Background(), PathFeedback, map[string]any{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Logger: quietLogger()})
	for i := 0; i < defaultBreakerFailures; i++ {
		assert.Error(t, c.GetJSON(context.Background(), PathReadiness, nil))
	}
	err := c.GetJSON(context.Background(), PathReadiness, nil)
	assert.Error(t, err)
	assert.Equal(t, defaultBreakerFailures, calls)

	msg, _ := ErrorMessage(err)
	assert.Equal(t, "The Lightspeed service is temporarily unavailable", msg)
}

func TestReadinessAndFeedbackStatus(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathReadiness:
			polls++
			_ = json.NewEncoder(w).Encode(map[string]any{"ready": polls >= 2, "reason": "warming up"})
		case PathFeedbackStatus:
			_, _ = io.WriteString(w, `{"functionality":"feedback","status":{"enabled":true}}`)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Logger: quietLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, Readiness(ctx, c, 10*time.Millisecond))
	assert.Equal(t, 2, polls)

	enabled, err := FeedbackEnabled(ctx, c)
	require.NoError(t, err)
	assert.True(t, enabled)
}
