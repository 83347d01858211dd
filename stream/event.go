/*
Package stream decodes the streaming query response of the Lightspeed backend.

The backend answers a query with a chunked body of lines of the form
"data: <json>", separated by blank lines. Each JSON object carries an event
name and a data payload. This file defines the event vocabulary and the typed
payloads; decoder.go turns raw bytes into events.
*/
package stream

import (
	"encoding/json"
	"fmt"
)

// Name is the event name carried by a frame.
type Name string

const (
	EventStart      Name = "start"
	EventToken      Name = "token"
	EventToolCall   Name = "tool_call"
	EventToolResult Name = "tool_result"
	EventEnd        Name = "end"
	EventError      Name = "error"
)

// Known reports whether n is part of the recognised vocabulary.
func (n Name) Known() bool {
	switch n {
	case EventStart, EventToken, EventToolCall, EventToolResult, EventEnd, EventError:
		return true
	}
	return false
}

// Event is one decoded frame. Data is kept raw and decoded on demand by the
// typed accessors below.
type Event struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StartData opens a stream and names the conversation.
type StartData struct {
	ConversationID string `json:"conversation_id"`
}

// TokenData is one chunk of assistant text.
type TokenData struct {
	ID    int    `json:"id"`
	Token string `json:"token"`
	Role  string `json:"role,omitempty"`
}

// ToolCallData announces a tool invocation made by the backend.
type ToolCallData struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	ServerName    string         `json:"server_name,omitempty"`
	UIResourceURI string         `json:"ui_resource_uri,omitempty"`
}

// ToolResultData reports the outcome of a previously announced tool call.
type ToolResultData struct {
	ID                string          `json:"id"`
	Content           string          `json:"content"`
	Status            string          `json:"status"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
}

// Reference is a document the answer was grounded on.
type Reference struct {
	Title string `json:"doc_title,omitempty"`
	URL   string `json:"doc_url"`
}

// UnmarshalJSON accepts both a bare URL string and a {doc_title, doc_url}
// object.
func (r *Reference) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = Reference{URL: s}
		return nil
	}
	type plain Reference
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	*r = Reference(p)
	return nil
}

// EndData closes a stream successfully.
type EndData struct {
	ReferencedDocuments []Reference `json:"referenced_documents"`
	Truncated           bool        `json:"truncated"`
	InputTokens         int         `json:"input_tokens,omitempty"`
	OutputTokens        int         `json:"output_tokens,omitempty"`
}

// ErrorData closes a stream with a backend-side failure.
type ErrorData struct {
	Response   string `json:"response"`
	Cause      string `json:"cause,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func decodeAs[T any](e Event, want Name) (T, error) {
	var v T
	if e.Event != want {
		return v, fmt.Errorf("event is %q, not %q", e.Event, want)
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", want, err)
	}
	return v, nil
}

func (e Event) Start() (StartData, error)           { return decodeAs[StartData](e, EventStart) }
func (e Event) Token() (TokenData, error)           { return decodeAs[TokenData](e, EventToken) }
func (e Event) ToolCall() (ToolCallData, error)     { return decodeAs[ToolCallData](e, EventToolCall) }
func (e Event) ToolResult() (ToolResultData, error) { return decodeAs[ToolResultData](e, EventToolResult) }
func (e Event) End() (EndData, error)               { return decodeAs[EndData](e, EventEnd) }
func (e Event) Failure() (ErrorData, error)         { return decodeAs[ErrorData](e, EventError) }

// NewEvent builds an event from a typed payload. It is used by tests and by
// the development backend to produce frames.
func NewEvent(name Name, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Event: name, Data: raw}, nil
}

// Frame renders the event as a wire frame including the trailing blank line.
func (e Event) Frame() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+len(FramePrefix)+2)
	out = append(out, FramePrefix...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}
