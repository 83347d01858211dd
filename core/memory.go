/*
Package core provides console session management for the Lightspeed console.

This file implements a thread-safe, in-memory store of console sessions.
Each session bundles one chat history with its pending attachments, query
pipeline, feedback forms and open MCP App bridges. Sessions that stay idle
longer than the configured age are removed by a background cleanup loop.
*/
package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/feedback"
	"lightspeed/mcpapp"
	"lightspeed/query"
)

// ConsoleSession is the state of one console user.
type ConsoleSession struct {
	ID          string
	Chat        *chat.Session
	Attachments *attachment.Store
	Pipeline    *query.Pipeline
	Feedback    *feedback.Submitter
	Created     time.Time

	mutex    sync.RWMutex
	updated  time.Time
	bridges  map[string]*mcpapp.Bridge
	onClear  map[int]func()
	nextHook int
}

// OnClear registers fn to run after the chat is cleared and returns a
// function that removes it.
func (s *ConsoleSession) OnClear(fn func()) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.nextHook
	s.nextHook++
	s.onClear[id] = fn
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.onClear, id)
	}
}

// ClearChat starts a new conversation. Pending attachments are kept.
func (s *ConsoleSession) ClearChat() error {
	if err := s.Chat.Clear(); err != nil {
		return err
	}
	s.Feedback.Forms().Reset()

	s.mutex.RLock()
	hooks := make([]func(), 0, len(s.onClear))
	for _, fn := range s.onClear {
		hooks = append(hooks, fn)
	}
	s.mutex.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Touch marks the session as used.
func (s *ConsoleSession) Touch() {
	s.mutex.Lock()
	s.updated = time.Now()
	s.mutex.Unlock()
}

// Updated returns the last activity time.
func (s *ConsoleSession) Updated() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.updated
}

// AddBridge registers an open MCP App bridge under its frame id.
func (s *ConsoleSession) AddBridge(frameID string, b *mcpapp.Bridge) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bridges[frameID] = b
}

// RemoveBridge forgets the bridge of a closed frame.
func (s *ConsoleSession) RemoveBridge(frameID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.bridges, frameID)
}

// Bridges returns the open bridges.
func (s *ConsoleSession) Bridges() []*mcpapp.Bridge {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*mcpapp.Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		out = append(out, b)
	}
	return out
}

// SessionDeps are the shared collaborators every new session is wired to.
type SessionDeps struct {
	Streamer    query.Streamer
	Poster      feedback.Poster
	SizeWarning int
}

// MemoryStore manages console sessions with automatic expiry.
type MemoryStore struct {
	sessions        map[string]*ConsoleSession
	mutex           sync.RWMutex
	deps            SessionDeps
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *logrus.Logger
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates a store and starts its cleanup loop.
//
// Parameters:
//   - deps: Collaborators wired into each new session
//   - maxAge: Idle duration after which a session expires
//   - cleanupInterval: How often to run the cleanup process
//   - logger: Logger instance for operational monitoring
//
// Returns:
//   - *MemoryStore: Configured memory store ready for use
func NewMemoryStore(deps SessionDeps, maxAge, cleanupInterval time.Duration, logger *logrus.Logger) *MemoryStore {
	store := &MemoryStore{
		sessions:        make(map[string]*ConsoleSession),
		deps:            deps,
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		stop:            make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go store.cleanupExpiredSessions()
	}
	return store
}

func (m *MemoryStore) newSession(id string) *ConsoleSession {
	log := m.logger.WithField("sessionID", id)
	history := chat.NewSession(log)
	store := attachment.NewStore(m.deps.SizeWarning)
	now := time.Now()
	return &ConsoleSession{
		ID:          id,
		Chat:        history,
		Attachments: store,
		Pipeline:    query.NewPipeline(m.deps.Streamer, history, store, log),
		Feedback:    feedback.NewSubmitter(m.deps.Poster, history, log),
		Created:     now,
		updated:     now,
		bridges:     make(map[string]*mcpapp.Bridge),
		onClear:     make(map[int]func()),
	}
}

// GetOrCreateSession returns the session with sessionID, creating it when
// it does not exist. An empty id creates a session with a new id.
func (m *MemoryStore) GetOrCreateSession(sessionID string) *ConsoleSession {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session, exists := m.sessions[sessionID]
	if !exists {
		session = m.newSession(sessionID)
		m.sessions[sessionID] = session
		m.logger.WithField("sessionID", sessionID).Info("Created new console session")
	} else {
		session.Touch()
	}
	return session
}

// GetSession returns an existing session.
func (m *MemoryStore) GetSession(sessionID string) (*ConsoleSession, bool) {
	m.mutex.RLock()
	session, exists := m.sessions[sessionID]
	m.mutex.RUnlock()
	if exists {
		session.Touch()
	}
	return session, exists
}

// DeleteSession removes a session and cancels its stream.
func (m *MemoryStore) DeleteSession(sessionID string) bool {
	m.mutex.Lock()
	session, exists := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mutex.Unlock()

	if exists {
		session.Pipeline.Cancel()
		m.logger.WithField("sessionID", sessionID).Info("Session deleted")
	}
	return exists
}

// expire removes sessions idle for longer than maxAge relative to now.
func (m *MemoryStore) expire(now time.Time) int {
	m.mutex.Lock()
	expired := make([]*ConsoleSession, 0)
	for id, session := range m.sessions {
		if now.Sub(session.Updated()) > m.maxAge && !session.Chat.Streaming() {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	remaining := len(m.sessions)
	m.mutex.Unlock()

	if len(expired) > 0 {
		m.logger.WithFields(logrus.Fields{
			"expiredSessions":   len(expired),
			"remainingSessions": remaining,
			"cleanupInterval":   m.cleanupInterval,
		}).Info("Cleaned up expired console sessions")
	}
	return len(expired)
}

func (m *MemoryStore) cleanupExpiredSessions() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.expire(now)
		case <-m.stop:
			return
		}
	}
}

// Close stops the cleanup loop.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// GetSessionStats returns session and history counts for the status
// endpoint.
func (m *MemoryStore) GetSessionStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	totalEntries := 0
	openFrames := 0
	for _, session := range m.sessions {
		totalEntries += session.Chat.Len()
		openFrames += len(session.Bridges())
	}

	return map[string]interface{}{
		"totalSessions": len(m.sessions),
		"totalEntries":  totalEntries,
		"openAppFrames": openFrames,
	}
}
