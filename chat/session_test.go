package chat

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightspeed/attachment"
	"lightspeed/stream"
)

func newTestSession() *Session {
	logger, _ := test.NewNullLogger()
	return NewSession(logrus.NewEntry(logger))
}

func event(t *testing.T, name stream.Name, data any) stream.Event {
	t.Helper()
	ev, err := stream.NewEvent(name, data)
	require.NoError(t, err)
	return ev
}

func TestBeginAppendsUserAndStreamingEntry(t *testing.T) {
	s := newTestSession()
	orig := "old"
	id, ok := s.Begin("ping", []attachment.Attachment{{ID: "a1", AttachmentType: attachment.TypeYAML, Value: "new", OriginalValue: &orig}})
	require.True(t, ok)

	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, WhoUser, h[0].Who)
	assert.Equal(t, "ping", h[0].User.Text)
	require.Len(t, h[0].User.Attachments, 1)
	assert.Nil(t, h[0].User.Attachments[0].OriginalValue)

	assert.Equal(t, WhoAI, h[1].Who)
	assert.Equal(t, id, h[1].AI.ID)
	assert.True(t, h[1].AI.IsStreaming)
	assert.Empty(t, h[1].AI.Text)
	assert.Equal(t, StateStreaming, h[1].AI.State())
}

func TestBeginWhileStreamingIsNoop(t *testing.T) {
	s := newTestSession()
	_, ok := s.Begin("first", nil)
	require.True(t, ok)

	_, ok = s.Begin("second", nil)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestTokensConcatenateInOrder(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	parts := []string{"Kube", "rnetes ", "is ", "", "great"}
	for _, p := range parts {
		s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: p}))
	}
	a, ok := s.AIEntry(id)
	require.True(t, ok)
	assert.Equal(t, strings.Join(parts, ""), a.Text)
}

func TestToolCallThenResultMerges(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToolCall, stream.ToolCallData{ID: "t1", Name: "pods_list", Args: map[string]any{"namespace": "default"}}))
	s.Apply(id, event(t, stream.EventToolResult, stream.ToolResultData{ID: "t1", Content: "3 pods", Status: "ok"}))

	a, _ := s.AIEntry(id)
	require.Len(t, a.Tools, 1)
	rec := a.Tools["t1"]
	assert.Equal(t, "pods_list", rec.Name)
	assert.Equal(t, "default", rec.Args["namespace"])
	assert.Equal(t, "3 pods", rec.Content)
	assert.Equal(t, "ok", rec.Status)
	assert.Equal(t, []string{"t1"}, a.ToolOrder)
}

func TestToolResultWithoutCallCreatesRecord(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToolResult, stream.ToolResultData{ID: "t9", Content: "boom", Status: "error"}))

	a, _ := s.AIEntry(id)
	rec := a.Tools["t9"]
	require.NotNil(t, rec)
	assert.Empty(t, rec.Name)
	assert.Empty(t, rec.Args)
	assert.Equal(t, "boom", rec.Content)
	assert.Equal(t, "error", rec.Status)
}

func TestToolCallOverwrites(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToolCall, stream.ToolCallData{ID: "t1", Name: "a"}))
	s.Apply(id, event(t, stream.EventToolCall, stream.ToolCallData{ID: "t1", Name: "b"}))

	a, _ := s.AIEntry(id)
	assert.Equal(t, "b", a.Tools["t1"].Name)
	assert.Equal(t, []string{"t1"}, a.ToolOrder)
}

func TestEndCompletesEntry(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("ping", nil)
	s.Apply(id, event(t, stream.EventStart, stream.StartData{ConversationID: "abc"}))
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "Hi"}))
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: " there"}))
	s.Apply(id, event(t, stream.EventEnd, stream.EndData{ReferencedDocuments: []stream.Reference{}, Truncated: false}))

	a, _ := s.AIEntry(id)
	assert.Equal(t, "Hi there", a.Text)
	assert.False(t, a.IsStreaming)
	assert.False(t, a.IsTruncated)
	assert.Empty(t, a.References)
	assert.Equal(t, StateCompleted, a.State())
	assert.Equal(t, "abc", s.ConversationID())
	assert.False(t, s.Streaming())

	_, ok := s.Begin("next", nil)
	assert.True(t, ok)
}

func TestErrorEventErrorsEntry(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventError, stream.ErrorData{Response: "LLM unavailable", Cause: "timeout"}))

	a, _ := s.AIEntry(id)
	assert.Equal(t, StateErrored, a.State())
	require.NotNil(t, a.Error)
	assert.Equal(t, "LLM unavailable", a.Error.Message)
	assert.Equal(t, "timeout", a.Error.MoreInfo)
}

func TestCancelWinsOverLateEnd(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "par"}))

	require.True(t, s.Cancel(id))
	assert.False(t, s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "tial"})))
	assert.False(t, s.Apply(id, event(t, stream.EventEnd, stream.EndData{Truncated: true})))
	assert.False(t, s.Fail(id, ErrorInfo{Message: "aborted"}))

	a, _ := s.AIEntry(id)
	assert.Equal(t, StateCancelled, a.State())
	assert.Equal(t, "par", a.Text)
	assert.Nil(t, a.Error)
	assert.False(t, a.IsTruncated)
}

func TestFailAfterEndIsDiscarded(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventEnd, stream.EndData{}))
	assert.False(t, s.Fail(id, ErrorInfo{Message: "late"}))

	a, _ := s.AIEntry(id)
	assert.Equal(t, StateCompleted, a.State())
}

func TestStartAfterCancelDoesNotSetConversation(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Cancel(id)
	assert.False(t, s.Apply(id, event(t, stream.EventStart, stream.StartData{ConversationID: "late"})))
	assert.Empty(t, s.ConversationID())
}

func TestUnknownEntryIsIgnored(t *testing.T) {
	s := newTestSession()
	assert.False(t, s.Apply("nope", event(t, stream.EventToken, stream.TokenData{Token: "x"})))
}

func TestHistoryIsACopy(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToolCall, stream.ToolCallData{ID: "t1", Name: "a", Args: map[string]any{"k": "v"}}))

	h := s.History()
	h[1].AI.Text = "mutated"
	h[1].AI.Tools["t1"].Args["k"] = "changed"

	a, _ := s.AIEntry(id)
	assert.Empty(t, a.Text)
	assert.Equal(t, "v", a.Tools["t1"].Args["k"])
}

func TestObserversSeeOrderedUpdates(t *testing.T) {
	s := newTestSession()
	var seen []string
	unsubscribe := s.Subscribe(func(e Entry) {
		if e.Who == WhoAI {
			seen = append(seen, e.AI.Text)
		}
	})
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "a"}))
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "b"}))
	unsubscribe()
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "c"}))

	assert.Equal(t, []string{"", "a", "ab"}, seen)
}

func TestConcurrentCancelNotifiesLast(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var seen []State
	s.Subscribe(func(e Entry) {
		if e.Who != WhoAI {
			return
		}
		if e.AI.Text == "tok" && e.AI.IsStreaming {
			once.Do(func() { close(entered) })
			<-release
		}
		seen = append(seen, e.AI.State())
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "tok"}))
	}()
	<-entered
	go func() {
		defer wg.Done()
		s.Cancel(id)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	a, ok := s.AIEntry(id)
	require.True(t, ok)
	require.NotEmpty(t, seen)
	assert.Equal(t, a.State(), seen[len(seen)-1])
	assert.Equal(t, []State{StateStreaming, StateCancelled}, seen)
}

func TestClear(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventStart, stream.StartData{ConversationID: "abc"}))
	assert.ErrorIs(t, s.Clear(), ErrStreaming)

	s.Close(id)
	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.ConversationID())
}

func TestEntryMarshalJSONIsTagged(t *testing.T) {
	s := newTestSession()
	id, _ := s.Begin("q", nil)
	s.Apply(id, event(t, stream.EventToken, stream.TokenData{Token: "x"}))

	raw, err := json.Marshal(s.History())
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "user", decoded[0]["who"])
	assert.Equal(t, "q", decoded[0]["text"])
	assert.Equal(t, "ai", decoded[1]["who"])
	assert.Equal(t, "x", decoded[1]["text"])
	assert.Equal(t, "streaming", decoded[1]["state"])
	assert.Equal(t, true, decoded[1]["isStreaming"])
}
