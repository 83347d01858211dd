/*
Package core provides stream tracking for the Lightspeed console.

This file implements the StreamRegistry, which records the in-flight
streaming queries of every console session so they can be reported on the
status endpoint and cancelled together on shutdown.
*/
package core

import (
	"sort"
	"sync"
	"time"
)

// Canceller stops one in-flight stream.
type Canceller interface {
	Cancel() bool
}

// StreamInfo describes one in-flight stream.
type StreamInfo struct {
	SessionID string    `json:"sessionId"`
	EntryID   string    `json:"entryId"`
	StartedAt time.Time `json:"startedAt"`
}

type trackedStream struct {
	info   StreamInfo
	cancel Canceller
}

// StreamRegistry tracks streaming queries across console sessions. A session
// has at most one stream in flight, so entries are keyed by session id.
type StreamRegistry struct {
	streams map[string]trackedStream
	mutex   sync.RWMutex
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]trackedStream),
	}
}

// AddStream registers the stream of a session.
//
// Parameters:
//   - info: Session, entry and start time of the stream
//   - cancel: Cancels the stream
func (r *StreamRegistry) AddStream(info StreamInfo, cancel Canceller) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.streams[info.SessionID] = trackedStream{info: info, cancel: cancel}
}

// RemoveStream drops the stream of a session if it is still entryID.
func (r *StreamRegistry) RemoveStream(sessionID, entryID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if s, ok := r.streams[sessionID]; ok && s.info.EntryID == entryID {
		delete(r.streams, sessionID)
	}
}

// CancelStream cancels the stream of a session.
//
// Returns:
//   - bool: true if a stream was found and cancelled
func (r *StreamRegistry) CancelStream(sessionID string) bool {
	r.mutex.Lock()
	s, exists := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mutex.Unlock()

	if !exists {
		return false
	}
	return s.cancel.Cancel()
}

// CancelAll cancels every registered stream and returns how many there were.
func (r *StreamRegistry) CancelAll() int {
	r.mutex.Lock()
	streams := r.streams
	r.streams = make(map[string]trackedStream)
	r.mutex.Unlock()

	for _, s := range streams {
		s.cancel.Cancel()
	}
	return len(streams)
}

// GetActiveStreams lists the in-flight streams, oldest first.
func (r *StreamRegistry) GetActiveStreams() []StreamInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	streams := make([]StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s.info)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StartedAt.Before(streams[j].StartedAt) })
	return streams
}
