/*
Package attachment holds the contextual documents a user attaches to the next
prompt: resource YAML (full or filtered), events, logs and uploaded YAML.

The Store keeps pending attachments in insertion order, tracks whether a
previously sent attachment has been edited locally, and reports when the total
size of the pending set crosses the configured warning threshold. Crossing the
threshold never blocks a submission; it only raises a flag for the UI.
*/
package attachment

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultSizeWarning is the total character count above which the pending
// attachment set is flagged as oversized.
const DefaultSizeWarning = 1_000_000

// Type identifies what kind of document an attachment carries.
type Type string

const (
	TypeYAML         Type = "YAML"
	TypeYAMLFiltered Type = "YAMLFiltered"
	TypeEvents       Type = "Events"
	TypeLog          Type = "Log"
	TypeYAMLUpload   Type = "YAMLUpload"
)

// Valid reports whether t is one of the known attachment types.
func (t Type) Valid() bool {
	switch t {
	case TypeYAML, TypeYAMLFiltered, TypeEvents, TypeLog, TypeYAMLUpload:
		return true
	}
	return false
}

// Attachment is a single contextual document attached to a prompt.
// OriginalValue is only set while the attachment is an edited copy of one
// that was sent earlier; it is never serialized to the backend.
type Attachment struct {
	ID             string  `json:"id"`
	AttachmentType Type    `json:"attachmentType"`
	Kind           string  `json:"kind"`
	Name           string  `json:"name"`
	OwnerName      string  `json:"ownerName,omitempty"`
	Namespace      string  `json:"namespace"`
	Value          string  `json:"value"`
	OriginalValue  *string `json:"originalValue,omitempty"`
}

// IsChanged reports whether the attachment was edited after being sent.
func (a Attachment) IsChanged() bool {
	return a.OriginalValue != nil && *a.OriginalValue != a.Value
}

// Outgoing is the wire form of an attachment in a query request.
type Outgoing struct {
	AttachmentType Type   `json:"attachmentType"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
	OwnerName      string `json:"ownerName,omitempty"`
	Namespace      string `json:"namespace"`
	Value          string `json:"value"`
}

// Strip returns a copy of the attachment without edit-tracking state.
func (a Attachment) Strip() Attachment {
	a.OriginalValue = nil
	return a
}

// ToOutgoing converts the attachment to its request form.
func (a Attachment) ToOutgoing() Outgoing {
	return Outgoing{
		AttachmentType: a.AttachmentType,
		Kind:           a.Kind,
		Name:           a.Name,
		OwnerName:      a.OwnerName,
		Namespace:      a.Namespace,
		Value:          a.Value,
	}
}

// Store is the pending attachment set for the next prompt.
type Store struct {
	mu          sync.RWMutex
	order       []string
	byID        map[string]*Attachment
	byKey       map[string]string
	sizeWarning int
}

// NewStore creates an empty store. A non-positive sizeWarning selects
// DefaultSizeWarning.
func NewStore(sizeWarning int) *Store {
	if sizeWarning <= 0 {
		sizeWarning = DefaultSizeWarning
	}
	return &Store{
		byID:        make(map[string]*Attachment),
		byKey:       make(map[string]string),
		sizeWarning: sizeWarning,
	}
}

func attachmentKey(t Type, kind, name, ownerName, namespace string) string {
	return strings.Join([]string{string(t), kind, namespace, name, ownerName}, "|")
}

// Set inserts or updates an attachment and returns its id.
//
// Attachments are addressed by type, kind, namespace, name and owner. Setting
// an existing key keeps its id and position. When originalValue equals value
// the edit-tracking state is cleared.
//
// Parameters:
//   - t: The attachment type
//   - kind, name, ownerName, namespace: Identity of the source resource
//   - value: The document text
//   - originalValue: The previously sent text, or nil for a fresh attachment
//
// Returns:
//   - string: The id of the stored attachment
func (s *Store) Set(t Type, kind, name, ownerName, namespace, value string, originalValue *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orig *string
	if originalValue != nil && *originalValue != value {
		v := *originalValue
		orig = &v
	}

	key := attachmentKey(t, kind, name, ownerName, namespace)
	if id, ok := s.byKey[key]; ok {
		a := s.byID[id]
		a.Value = value
		a.OriginalValue = orig
		return id
	}

	id := uuid.NewString()
	s.byID[id] = &Attachment{
		ID:             id,
		AttachmentType: t,
		Kind:           kind,
		Name:           name,
		OwnerName:      ownerName,
		Namespace:      namespace,
		Value:          value,
		OriginalValue:  orig,
	}
	s.byKey[key] = id
	s.order = append(s.order, id)
	return id
}

// Delete removes the attachment with the given id. It is a no-op when the id
// is unknown.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byKey, attachmentKey(a.AttachmentType, a.Kind, a.Name, a.OwnerName, a.Namespace))
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Attachment)
	s.byKey = make(map[string]string)
}

// Get returns a copy of the attachment with the given id.
func (s *Store) Get(id string) (Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Attachment{}, false
	}
	cp := *a
	if a.OriginalValue != nil {
		v := *a.OriginalValue
		cp.OriginalValue = &v
	}
	return cp, true
}

// List returns copies of all pending attachments, edit-tracking state
// included, in insertion order.
func (s *Store) List() []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.byID[id]
		if cp.OriginalValue != nil {
			v := *cp.OriginalValue
			cp.OriginalValue = &v
		}
		out = append(out, cp)
	}
	return out
}

// ToOutgoingList returns the pending attachments in insertion order with
// edit-tracking state stripped.
func (s *Store) ToOutgoingList() []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Strip())
	}
	return out
}

// Len returns the number of pending attachments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// TotalSize returns the number of characters across pending attachment values.
func (s *Store) TotalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, a := range s.byID {
		total += utf8.RuneCountInString(a.Value)
	}
	return total
}

// ExceedsSizeLimit reports whether TotalSize is above the warning threshold.
func (s *Store) ExceedsSizeLimit() bool {
	return s.TotalSize() > s.sizeWarning
}

// SizeWarning returns the configured threshold.
func (s *Store) SizeWarning() int {
	return s.sizeWarning
}

// Snapshot converts attachments to their wire form.
func Snapshot(list []Attachment) []Outgoing {
	out := make([]Outgoing, 0, len(list))
	for _, a := range list {
		out = append(out, a.ToOutgoing())
	}
	return out
}
