/*
Package feedback collects thumbs up/down ratings and free-text comments on
assistant answers and posts them to the backend feedback endpoint.

Feedback runs independently of streaming: the form state of every entry is
kept separately from the chat history so a failed submission never loses
the text the user typed.
*/
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/query"
)

// Sentiment values accepted by the backend.
const (
	SentimentNegative = -1
	SentimentNeutral  = 0
	SentimentPositive = 1
)

const attachmentsPreamble = "\n---\nThe attachments that were sent with the prompt are shown below.\n"

var (
	// ErrSubmitFailed wraps every failed feedback post.
	ErrSubmitFailed = errors.New("feedback submission failed")
	// ErrInvalidSentiment is returned for a sentiment outside -1, 0, 1.
	ErrInvalidSentiment = errors.New("sentiment must be -1, 0 or 1")
	// ErrNoEntry is returned when the index does not address an answer.
	ErrNoEntry = errors.New("no assistant entry at index")
	// ErrNoConversation is returned before the backend issued a conversation id.
	ErrNoConversation = errors.New("no conversation id")
)

// Request is one feedback submission for the assistant entry at EntryIndex.
type Request struct {
	ConversationID string
	EntryIndex     int
	Sentiment      int
	Text           string
}

// payload is the feedback endpoint body.
type payload struct {
	ConversationID string `json:"conversation_id"`
	LLMResponse    string `json:"llm_response"`
	Sentiment      int    `json:"sentiment"`
	UserFeedback   string `json:"user_feedback"`
	UserQuestion   string `json:"user_question"`
}

// Poster is the subset of query.Client used to post feedback.
type Poster interface {
	PostJSON(ctx context.Context, path string, in, out any) error
}

// Submitter posts feedback about the entries of one chat session.
type Submitter struct {
	poster  Poster
	session *chat.Session
	forms   *Forms
	logger  *logrus.Entry
}

// NewSubmitter creates a feedback submitter.
func NewSubmitter(poster Poster, session *chat.Session, logger *logrus.Entry) *Submitter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Submitter{
		poster:  poster,
		session: session,
		forms:   NewForms(),
		logger:  logger.WithField("component", "feedback"),
	}
}

// Forms returns the per-entry form state.
func (s *Submitter) Forms() *Forms { return s.forms }

// UserQuestion renders the prompt of an entry together with its attachments.
func UserQuestion(user *chat.UserEntry) (string, error) {
	if len(user.Attachments) == 0 {
		return user.Text, nil
	}
	described, err := json.MarshalIndent(attachment.Snapshot(user.Attachments), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return user.Text + attachmentsPreamble + string(described), nil
}

func (s *Submitter) compose(req Request) (payload, error) {
	ai, ok := s.session.EntryAt(req.EntryIndex)
	if !ok || ai.Who != chat.WhoAI {
		return payload{}, fmt.Errorf("%w %d", ErrNoEntry, req.EntryIndex)
	}
	question := ""
	if prev, ok := s.session.EntryAt(req.EntryIndex - 1); ok && prev.Who == chat.WhoUser {
		q, err := UserQuestion(prev.User)
		if err != nil {
			return payload{}, err
		}
		question = q
	}
	return payload{
		ConversationID: req.ConversationID,
		LLMResponse:    ai.AI.Text,
		Sentiment:      req.Sentiment,
		UserFeedback:   req.Text,
		UserQuestion:   question,
	}, nil
}

// Submit validates and posts one feedback request. On success the entry's
// form is closed; on failure the form keeps the typed text and records the
// error for retry.
//
// Parameters:
//   - ctx: Bounds the request together with the client's timeout
//   - req: The rated entry, sentiment and comment
//
// Returns:
//   - error: ErrInvalidSentiment, ErrNoEntry or ErrNoConversation before any
//     request, or an error wrapping ErrSubmitFailed
func (s *Submitter) Submit(ctx context.Context, req Request) error {
	if req.Sentiment < SentimentNegative || req.Sentiment > SentimentPositive {
		return ErrInvalidSentiment
	}
	if req.ConversationID == "" {
		req.ConversationID = s.session.ConversationID()
	}
	if req.ConversationID == "" {
		return ErrNoConversation
	}
	body, err := s.compose(req)
	if err != nil {
		return err
	}

	s.forms.Update(req.EntryIndex, func(f *Form) {
		f.Sentiment = req.Sentiment
		f.Text = req.Text
		f.Submitting = true
	})

	log := s.logger.WithFields(logrus.Fields{
		"conversationId": req.ConversationID,
		"entryIndex":     req.EntryIndex,
		"sentiment":      req.Sentiment,
	})

	if err := s.poster.PostJSON(ctx, query.PathFeedback, body, nil); err != nil {
		msg, _ := query.ErrorMessage(err)
		s.forms.Update(req.EntryIndex, func(f *Form) {
			f.Submitting = false
			f.Error = msg
		})
		log.WithError(err).Warn("Feedback submission failed")
		return fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	s.forms.Update(req.EntryIndex, func(f *Form) {
		f.Submitting = false
		f.Error = ""
		f.Open = false
		f.Closed = true
		f.Text = ""
	})
	log.Info("Feedback submitted")
	return nil
}

// Form is the feedback form of one assistant entry.
type Form struct {
	Sentiment  int    `json:"sentiment"`
	Text       string `json:"text"`
	Open       bool   `json:"open"`
	Closed     bool   `json:"closed"`
	Submitting bool   `json:"submitting"`
	Error      string `json:"error,omitempty"`
}

// Forms keys feedback form state by entry index.
type Forms struct {
	mu    sync.Mutex
	forms map[int]Form
}

// NewForms creates an empty form set.
func NewForms() *Forms {
	return &Forms{forms: make(map[int]Form)}
}

// Get returns the form of entry i.
func (f *Forms) Get(i int) Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[i]
}

// Update applies fn to the form of entry i.
func (f *Forms) Update(i int, fn func(*Form)) Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	form := f.forms[i]
	fn(&form)
	f.forms[i] = form
	return form
}

// Open opens the form of entry i with a preselected sentiment.
func (f *Forms) Open(i, sentiment int) Form {
	return f.Update(i, func(form *Form) {
		form.Open = true
		form.Sentiment = sentiment
	})
}

// SetText stores the comment being typed.
func (f *Forms) SetText(i int, text string) Form {
	return f.Update(i, func(form *Form) { form.Text = text })
}

// Dismiss closes the form of entry i without submitting.
func (f *Forms) Dismiss(i int) Form {
	return f.Update(i, func(form *Form) { form.Open = false })
}

// Reset drops all form state, for a new chat.
func (f *Forms) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = make(map[int]Form)
}
