package core

import (
	"sync"

	"lightspeed/chat"
)

// historyFeed queues history messages for one SSE client. Consecutive
// updates of the same assistant entry collapse into the latest one, so a
// slow client skips intermediate token states but never a terminal state.
type historyFeed struct {
	mu      sync.Mutex
	pending []HistoryMessage
	ready   chan struct{}
}

func newHistoryFeed() *historyFeed {
	return &historyFeed{ready: make(chan struct{}, 1)}
}

func (f *historyFeed) push(msg HistoryMessage) {
	f.mu.Lock()
	if n := len(f.pending); n > 0 && msg.Entry != nil && msg.Entry.Who == chat.WhoAI {
		last := f.pending[n-1]
		if last.Entry != nil && last.Entry.Who == chat.WhoAI && last.Entry.AI.ID == msg.Entry.AI.ID {
			f.pending[n-1] = msg
			f.mu.Unlock()
			f.signal()
			return
		}
	}
	f.pending = append(f.pending, msg)
	f.mu.Unlock()
	f.signal()
}

func (f *historyFeed) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *historyFeed) pushEntry(e chat.Entry) {
	f.push(HistoryMessage{Type: "entry", Entry: &e})
}

// drain returns and forgets the queued messages.
func (f *historyFeed) drain() []HistoryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}
