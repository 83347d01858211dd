package chat

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lightspeed/attachment"
	"lightspeed/stream"
)

// ErrStreaming is returned by operations that are refused while an answer is
// still streaming.
var ErrStreaming = errors.New("a response is still streaming")

// Observer is notified with a copy of every entry that changed.
type Observer func(Entry)

// Session is the chat state of one console user: history, conversation id
// and the id of the entry currently streaming.
//
// Session is safe for concurrent use. Methods that mutate an entry notify
// observers after the state lock is released, in the order the mutations
// happened. Observers must not mutate the session.
type Session struct {
	mu             sync.Mutex
	entries        []Entry
	index          map[string]int
	conversationID string
	streamingID    string

	// deliverMu is taken before mu is released and held while observers
	// run, so notifications keep the order of the mutations.
	deliverMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	logger *logrus.Entry
}

// NewSession creates an empty session.
func NewSession(logger *logrus.Entry) *Session {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		index:     make(map[string]int),
		observers: make(map[int]Observer),
		logger:    logger.WithField("component", "chat_session"),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Session) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) notify(changed []Entry) {
	if len(changed) == 0 {
		return
	}
	s.obsMu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.Unlock()
	for _, e := range changed {
		for _, fn := range obs {
			fn(e)
		}
	}
}

// Begin appends a user entry and a new streaming assistant entry.
//
// It is a no-op while another entry is streaming; the caller gets ok=false
// and the history is unchanged.
//
// Parameters:
//   - text: The prompt
//   - attachments: Attachments sent with the prompt; edit-tracking state is stripped
//
// Returns:
//   - string: The id of the new assistant entry
//   - bool: Whether the entries were appended
func (s *Session) Begin(text string, attachments []attachment.Attachment) (string, bool) {
	s.mu.Lock()
	if busy := s.streamingID; busy != "" {
		s.mu.Unlock()
		s.logger.WithField("streamingEntry", busy).Debug("Ignoring submit while streaming")
		return "", false
	}

	sent := make([]attachment.Attachment, 0, len(attachments))
	for _, a := range attachments {
		sent = append(sent, a.Strip())
	}
	user := Entry{Who: WhoUser, User: &UserEntry{Text: text, Attachments: sent}}

	id := uuid.NewString()
	ai := Entry{Who: WhoAI, AI: &AIEntry{
		ID:          id,
		IsStreaming: true,
		References:  []stream.Reference{},
		Tools:       make(map[string]*ToolRecord),
		ToolOrder:   []string{},
	}}

	s.entries = append(s.entries, user, ai)
	s.index[id] = len(s.entries) - 1
	s.streamingID = id
	changed := []Entry{user.clone(), ai.clone()}
	s.deliverMu.Lock()
	s.mu.Unlock()

	s.notify(changed)
	s.deliverMu.Unlock()
	return id, true
}

// mutate runs fn on the streaming assistant entry with the given id. Entries
// that already reached a terminal state are left untouched.
func (s *Session) mutate(id string, fn func(a *AIEntry)) bool {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("entryId", id).Warn("Update for unknown chat entry")
		return false
	}
	a := s.entries[pos].AI
	if !a.IsStreaming {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{"entryId": id, "state": a.State()}).Debug("Discarding update for finished entry")
		return false
	}
	fn(a)
	if !a.IsStreaming && s.streamingID == id {
		s.streamingID = ""
	}
	changed := s.entries[pos].clone()
	s.deliverMu.Lock()
	s.mu.Unlock()

	s.notify([]Entry{changed})
	s.deliverMu.Unlock()
	return true
}

// Apply applies one decoded stream event to the assistant entry id and
// reports whether the event changed state.
func (s *Session) Apply(id string, ev stream.Event) bool {
	switch ev.Event {
	case stream.EventStart:
		start, err := ev.Start()
		if err != nil {
			s.logger.WithError(err).Warn("Invalid start payload")
			return false
		}
		if start.ConversationID == "" {
			return false
		}
		s.mu.Lock()
		pos, ok := s.index[id]
		discard := !ok || !s.entries[pos].AI.IsStreaming
		if !discard {
			s.conversationID = start.ConversationID
		}
		s.mu.Unlock()
		return !discard

	case stream.EventToken:
		tok, err := ev.Token()
		if err != nil {
			s.logger.WithError(err).Warn("Invalid token payload")
			return false
		}
		return s.mutate(id, func(a *AIEntry) {
			a.Text += tok.Token
		})

	case stream.EventToolCall:
		call, err := ev.ToolCall()
		if err != nil {
			s.logger.WithError(err).Warn("Invalid tool_call payload")
			return false
		}
		return s.mutate(id, func(a *AIEntry) {
			if _, exists := a.Tools[call.ID]; !exists {
				a.ToolOrder = append(a.ToolOrder, call.ID)
			}
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			a.Tools[call.ID] = &ToolRecord{
				Name:          call.Name,
				Args:          args,
				ServerName:    call.ServerName,
				UIResourceURI: call.UIResourceURI,
			}
		})

	case stream.EventToolResult:
		res, err := ev.ToolResult()
		if err != nil {
			s.logger.WithError(err).Warn("Invalid tool_result payload")
			return false
		}
		return s.mutate(id, func(a *AIEntry) {
			rec, exists := a.Tools[res.ID]
			if !exists {
				rec = &ToolRecord{Args: map[string]any{}}
				a.Tools[res.ID] = rec
				a.ToolOrder = append(a.ToolOrder, res.ID)
			}
			rec.Content = res.Content
			rec.Status = res.Status
			rec.StructuredContent = res.StructuredContent
		})

	case stream.EventEnd:
		end, err := ev.End()
		if err != nil {
			s.logger.WithError(err).Warn("Invalid end payload")
			end = stream.EndData{}
		}
		return s.mutate(id, func(a *AIEntry) {
			a.IsStreaming = false
			a.IsTruncated = end.Truncated
			a.References = append([]stream.Reference{}, end.ReferencedDocuments...)
			a.InputTokens = end.InputTokens
			a.OutputTokens = end.OutputTokens
		})

	case stream.EventError:
		data, err := ev.Failure()
		info := ErrorInfo{Message: data.Response, MoreInfo: data.Cause}
		if err != nil || info.Message == "" {
			info.Message = "The server reported an error without details"
		}
		return s.mutate(id, func(a *AIEntry) {
			a.IsStreaming = false
			a.Error = &info
		})
	}

	s.logger.WithField("event", ev.Event).Debug("Ignoring unhandled event")
	return false
}

// Cancel resolves the streaming entry id as cancelled. Text received so far
// is kept and no error is recorded.
func (s *Session) Cancel(id string) bool {
	return s.mutate(id, func(a *AIEntry) {
		a.IsCancelled = true
		a.IsStreaming = false
	})
}

// Fail resolves the streaming entry id after a transport failure.
func (s *Session) Fail(id string, info ErrorInfo) bool {
	return s.mutate(id, func(a *AIEntry) {
		a.IsStreaming = false
		a.Error = &info
	})
}

// Close resolves an entry whose stream ended without a terminal event.
func (s *Session) Close(id string) bool {
	return s.mutate(id, func(a *AIEntry) {
		a.IsStreaming = false
	})
}

// ConversationID returns the id issued by the backend, or "" before the
// first successful stream.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversationID replaces the conversation id, for example when a
// conversation is restored.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// StreamingID returns the id of the streaming entry, or "".
func (s *Session) StreamingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID
}

// Streaming reports whether an entry is streaming.
func (s *Session) Streaming() bool {
	return s.StreamingID() != ""
}

// History returns a deep copy of the chat history.
func (s *Session) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EntryAt returns a copy of the entry at position i.
func (s *Session) EntryAt(i int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i].clone(), true
}

// AIEntry returns a copy of the assistant entry with the given id.
func (s *Session) AIEntry(id string) (*AIEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.entries[pos].AI.clone(), true
}

// Clear starts a new chat: history and conversation id are reset. It is
// refused while an entry is streaming.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingID != "" {
		return ErrStreaming
	}
	s.entries = nil
	s.index = make(map[string]int)
	s.conversationID = ""
	return nil
}
