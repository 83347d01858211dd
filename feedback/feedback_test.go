package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/query"
	"lightspeed/stream"
)

type fakePoster struct {
	path string
	body payload
	err  error
}

func (f *fakePoster) PostJSON(_ context.Context, path string, in, _ any) error {
	f.path = path
	raw, _ := json.Marshal(in)
	_ = json.Unmarshal(raw, &f.body)
	return f.err
}

func sessionWithAnswer(t *testing.T, atts []attachment.Attachment) *chat.Session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := chat.NewSession(logrus.NewEntry(logger))
	id, ok := s.Begin("why is my pod pending", atts)
	require.True(t, ok)
	start, _ := stream.NewEvent(stream.EventStart, stream.StartData{ConversationID: "conv-1"})
	tok, _ := stream.NewEvent(stream.EventToken, stream.TokenData{Token: "Insufficient CPU."})
	end, _ := stream.NewEvent(stream.EventEnd, stream.EndData{})
	s.Apply(id, start)
	s.Apply(id, tok)
	s.Apply(id, end)
	return s
}

func newSubmitter(poster Poster, s *chat.Session) *Submitter {
	logger, _ := test.NewNullLogger()
	return NewSubmitter(poster, s, logrus.NewEntry(logger))
}

func TestSubmitPostsComposedFeedback(t *testing.T) {
	poster := &fakePoster{}
	sub := newSubmitter(poster, sessionWithAnswer(t, nil))

	require.NoError(t, sub.Submit(context.Background(), Request{EntryIndex: 1, Sentiment: 1, Text: "spot on"}))

	assert.Equal(t, query.PathFeedback, poster.path)
	assert.Equal(t, payload{
		ConversationID: "conv-1",
		LLMResponse:    "Insufficient CPU.",
		Sentiment:      1,
		UserFeedback:   "spot on",
		UserQuestion:   "why is my pod pending",
	}, poster.body)

	form := sub.Forms().Get(1)
	assert.True(t, form.Closed)
	assert.False(t, form.Open)
	assert.Empty(t, form.Error)
}

func TestSubmitIncludesAttachments(t *testing.T) {
	poster := &fakePoster{}
	atts := []attachment.Attachment{{ID: "1", AttachmentType: attachment.TypeEvents, Kind: "Pod", Name: "web", Namespace: "default", Value: "[]\n"}}
	sub := newSubmitter(poster, sessionWithAnswer(t, atts))

	require.NoError(t, sub.Submit(context.Background(), Request{EntryIndex: 1, Sentiment: -1}))

	q := poster.body.UserQuestion
	require.True(t, strings.HasPrefix(q, "why is my pod pending\n---\nThe attachments that were sent with the prompt are shown below.\n"))
	assert.Contains(t, q, `"attachmentType": "Events"`)
	assert.Contains(t, q, `"name": "web"`)
	assert.NotContains(t, q, `"id"`)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	poster := &fakePoster{}
	sub := newSubmitter(poster, sessionWithAnswer(t, nil))

	assert.ErrorIs(t, sub.Submit(context.Background(), Request{EntryIndex: 1, Sentiment: 2}), ErrInvalidSentiment)
	assert.ErrorIs(t, sub.Submit(context.Background(), Request{EntryIndex: 0, Sentiment: 1}), ErrNoEntry)
	assert.ErrorIs(t, sub.Submit(context.Background(), Request{EntryIndex: 7, Sentiment: 1}), ErrNoEntry)
	assert.Empty(t, poster.path)
}

func TestSubmitFailureKeepsText(t *testing.T) {
	poster := &fakePoster{err: &query.HTTPError{StatusCode: 500, Detail: "feedback storage unavailable"}}
	sub := newSubmitter(poster, sessionWithAnswer(t, nil))
	sub.Forms().Open(1, -1)
	sub.Forms().SetText(1, "wrong namespace")

	err := sub.Submit(context.Background(), Request{EntryIndex: 1, Sentiment: -1, Text: "wrong namespace"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmitFailed))

	form := sub.Forms().Get(1)
	assert.Equal(t, "wrong namespace", form.Text)
	assert.True(t, form.Open)
	assert.False(t, form.Closed)
	assert.False(t, form.Submitting)
	assert.Equal(t, "feedback storage unavailable", form.Error)
}
