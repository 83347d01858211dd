/*
Package core contains the request and response types of the console API.

These types are the contract between the console front end and this
server: prompt submission and cancellation, history snapshots and the
history update feed, pending attachment management, feedback, and the
relay envelope carried on an MCP App frame websocket.
*/
package core

import (
	"encoding/json"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/feedback"
	"lightspeed/mcpapp"
	"lightspeed/resource"
)

// SessionHeader carries the console session id on every request.
const SessionHeader = "X-Session-ID"

// PromptRequest submits a prompt with the pending attachments.
type PromptRequest struct {
	Query string `json:"query"`
}

// PromptResponse acknowledges a dispatched prompt. The answer arrives on
// the history feed.
type PromptResponse struct {
	SessionID   string `json:"sessionId"`
	EntryID     string `json:"entryId"`
	SizeWarning bool   `json:"sizeWarning"`
}

// CancelResponse reports the outcome of a cancel request.
type CancelResponse struct {
	Success   bool   `json:"success"`   // Whether the request was processed
	Message   string `json:"message"`   // Human-readable result
	Cancelled bool   `json:"cancelled"` // Whether a stream was actually cancelled
}

// HistoryResponse is a snapshot of a console session's conversation.
type HistoryResponse struct {
	SessionID      string       `json:"sessionId"`
	ConversationID string       `json:"conversationId,omitempty"`
	Streaming      bool         `json:"streaming"`
	Entries        []chat.Entry `json:"entries"`
}

// HistoryMessage is one message of the history feed. Type is "session",
// "entry" or "cleared".
type HistoryMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Entry     *chat.Entry `json:"entry,omitempty"`
}

// AttachmentRequest adds or replaces a pending attachment with literal
// content. YAMLUpload documents are validated before they are stored.
type AttachmentRequest struct {
	AttachmentType attachment.Type `json:"attachmentType"`
	Kind           string          `json:"kind"`
	Name           string          `json:"name"`
	OwnerName      string          `json:"ownerName,omitempty"`
	Namespace      string          `json:"namespace"`
	Value          string          `json:"value"`
	OriginalValue  *string         `json:"originalValue,omitempty"`
}

// ResourceAttachmentRequest attaches content read from the cluster.
type ResourceAttachmentRequest struct {
	AttachmentType attachment.Type `json:"attachmentType"`
	Resource       resource.Ref    `json:"resource"`
}

// AttachmentsResponse lists the pending attachments. ID is the attachment
// a write created or updated.
type AttachmentsResponse struct {
	ID          string                  `json:"id,omitempty"`
	Attachments []attachment.Attachment `json:"attachments"`
	TotalSize   int                     `json:"totalSize"`
	SizeWarning bool                    `json:"sizeWarning"`
}

// FeedbackRequest rates the assistant entry at EntryIndex.
type FeedbackRequest struct {
	EntryIndex int    `json:"entryIndex"`
	Sentiment  int    `json:"sentiment"`
	Text       string `json:"text"`
}

// FeedbackResponse returns the entry's form state after submission.
type FeedbackResponse struct {
	EntryIndex int           `json:"entryIndex"`
	Form       feedback.Form `json:"form"`
}

// ErrorResponse is the body of every failed console request.
type ErrorResponse struct {
	Error    string `json:"error"`
	MoreInfo string `json:"moreInfo,omitempty"`
}

// Relay message types on an MCP App websocket.
const (
	RelayView    = "view"    // server -> client: the frame's current View
	RelayMessage = "message" // both ways: a postMessage payload for or from the frame
	RelayRefresh = "refresh" // client -> server: re-run the tool
	RelayToggle  = "toggle"  // client -> server: toggle expanded height
	RelayTheme   = "theme"   // client -> server: console theme changed
	RelayError   = "error"   // server -> client: relay level failure
)

// RelayEnvelope is one websocket message of the MCP App relay. Server
// envelopes carry the frame id in Source; a client RelayMessage must echo
// it back or it is dropped.
type RelayEnvelope struct {
	Type   string          `json:"type"`
	Source string          `json:"source,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	View   *mcpapp.View    `json:"view,omitempty"`
	Theme  string          `json:"theme,omitempty"`
	Error  string          `json:"error,omitempty"`
}
