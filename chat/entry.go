/*
Package chat owns the conversation: the ordered chat history, the
conversation id issued by the backend, and the per-entry streaming state
machine driven by decoded stream events.

History is append-only. The only in-place updates target the assistant entry
that is currently streaming, addressed by its stable id rather than by its
position. Each assistant entry moves Streaming -> Completed | Cancelled |
Errored exactly once; the first terminal transition wins.
*/
package chat

import (
	"encoding/json"
	"fmt"
	"maps"

	"lightspeed/attachment"
	"lightspeed/stream"
)

// Who tags the author of an entry.
type Who string

const (
	WhoUser Who = "user"
	WhoAI   Who = "ai"
)

// State is the lifecycle state of an assistant entry.
type State string

const (
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// ErrorInfo is the error shown on an assistant entry.
type ErrorInfo struct {
	Message  string `json:"message"`
	MoreInfo string `json:"moreInfo,omitempty"`
}

// ToolRecord tracks one tool invocation reported inside an assistant entry.
type ToolRecord struct {
	Name              string          `json:"name"`
	Args              map[string]any  `json:"args"`
	Content           string          `json:"content,omitempty"`
	Status            string          `json:"status,omitempty"`
	ServerName        string          `json:"serverName,omitempty"`
	UIResourceURI     string          `json:"uiResourceUri,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// UserEntry is a prompt as it was sent.
type UserEntry struct {
	Text        string                  `json:"text"`
	Attachments []attachment.Attachment `json:"attachments"`
}

// AIEntry is an assistant answer, possibly still streaming.
type AIEntry struct {
	ID           string                 `json:"id"`
	Text         string                 `json:"text"`
	IsStreaming  bool                   `json:"isStreaming"`
	IsCancelled  bool                   `json:"isCancelled"`
	IsTruncated  bool                   `json:"isTruncated"`
	Error        *ErrorInfo             `json:"error,omitempty"`
	References   []stream.Reference     `json:"references"`
	Tools        map[string]*ToolRecord `json:"tools"`
	ToolOrder    []string               `json:"toolOrder"`
	InputTokens  int                    `json:"inputTokens,omitempty"`
	OutputTokens int                    `json:"outputTokens,omitempty"`
}

// State derives the lifecycle state from the entry flags.
func (a *AIEntry) State() State {
	switch {
	case a.IsStreaming:
		return StateStreaming
	case a.IsCancelled:
		return StateCancelled
	case a.Error != nil:
		return StateErrored
	default:
		return StateCompleted
	}
}

func (a *AIEntry) clone() *AIEntry {
	cp := *a
	if a.Error != nil {
		e := *a.Error
		cp.Error = &e
	}
	cp.References = append([]stream.Reference{}, a.References...)
	cp.ToolOrder = append([]string{}, a.ToolOrder...)
	cp.Tools = make(map[string]*ToolRecord, len(a.Tools))
	for id, rec := range a.Tools {
		r := *rec
		r.Args = maps.Clone(rec.Args)
		cp.Tools[id] = &r
	}
	return &cp
}

// Entry is one turn of the conversation. Exactly one of User and AI is set,
// matching Who.
type Entry struct {
	Who  Who
	User *UserEntry
	AI   *AIEntry
}

func (e Entry) clone() Entry {
	switch e.Who {
	case WhoUser:
		u := *e.User
		u.Attachments = append([]attachment.Attachment{}, e.User.Attachments...)
		return Entry{Who: WhoUser, User: &u}
	case WhoAI:
		return Entry{Who: WhoAI, AI: e.AI.clone()}
	}
	return e
}

// MarshalJSON flattens the entry into a single object tagged by "who".
func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Who {
	case WhoUser:
		return json.Marshal(struct {
			Who Who `json:"who"`
			*UserEntry
		}{WhoUser, e.User})
	case WhoAI:
		return json.Marshal(struct {
			Who   Who   `json:"who"`
			State State `json:"state"`
			*AIEntry
		}{WhoAI, e.AI.State(), e.AI})
	}
	return json.Marshal(struct {
		Who Who `json:"who"`
	}{e.Who})
}

// UnmarshalJSON reads the flattened form written by MarshalJSON.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var tag struct {
		Who Who `json:"who"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return err
	}
	switch tag.Who {
	case WhoUser:
		var u UserEntry
		if err := json.Unmarshal(b, &u); err != nil {
			return err
		}
		*e = Entry{Who: WhoUser, User: &u}
	case WhoAI:
		var a AIEntry
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		*e = Entry{Who: WhoAI, AI: &a}
	default:
		return fmt.Errorf("unknown entry author %q", tag.Who)
	}
	return nil
}
