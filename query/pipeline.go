package query

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"lightspeed/attachment"
	"lightspeed/chat"
	"lightspeed/stream"
)

// Streamer opens answer streams. *Client implements it.
type Streamer interface {
	StreamQuery(ctx context.Context, body Request) (io.ReadCloser, error)
}

// StreamController is the cancellation handle of one in-flight request. A new
// controller is created for every submission.
type StreamController struct {
	entryID   string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func newStreamController(parent context.Context, entryID string) *StreamController {
	ctx, cancel := context.WithCancel(parent)
	return &StreamController{
		entryID:   entryID,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// EntryID returns the assistant entry the stream feeds.
func (c *StreamController) EntryID() string { return c.entryID }

// StartedAt returns when the request was issued.
func (c *StreamController) StartedAt() time.Time { return c.startedAt }

// Cancel aborts the network read. It is safe to call more than once.
func (c *StreamController) Cancel() {
	c.cancelled.Store(true)
	c.cancel()
}

// Cancelled reports whether Cancel was called.
func (c *StreamController) Cancelled() bool { return c.cancelled.Load() }

// Done is closed once the stream has been fully resolved.
func (c *StreamController) Done() <-chan struct{} { return c.done }

// Pipeline turns prompts into streamed assistant entries.
type Pipeline struct {
	streamer Streamer
	session  *chat.Session
	store    *attachment.Store
	logger   *logrus.Entry

	mu      sync.Mutex
	current *StreamController
	wg      sync.WaitGroup
}

// NewPipeline wires a streamer to a session and its pending attachments.
func NewPipeline(streamer Streamer, session *chat.Session, store *attachment.Store, logger *logrus.Entry) *Pipeline {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		streamer: streamer,
		session:  session,
		store:    store,
		logger:   logger.WithField("component", "query_pipeline"),
	}
}

// Session returns the chat session the pipeline feeds.
func (p *Pipeline) Session() *chat.Session { return p.session }

// Attachments returns the pending attachment store.
func (p *Pipeline) Attachments() *attachment.Store { return p.store }

// SizeWarning reports whether the pending attachments exceed the configured
// size threshold. Submission is never blocked by it.
func (p *Pipeline) SizeWarning() bool { return p.store.ExceedsSizeLimit() }

// Submit sends query with the pending attachments and the current
// conversation id, then streams the answer in the background.
//
// Parameters:
//   - ctx: Values are inherited by the stream; its cancellation is not
//   - query: The prompt text
//
// Returns:
//   - *StreamController: Handle of the new stream
//   - error: ErrEmptyQuery or ErrStreaming; nothing changed in either case
func (p *Pipeline) Submit(ctx context.Context, query string) (*StreamController, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session.Streaming() {
		return nil, ErrStreaming
	}

	// Capture the attachment list now; later edits must not reach this request.
	sent := p.store.ToOutgoingList()
	body := Request{
		Query:       query,
		MediaType:   MediaTypeJSON,
		Attachments: attachment.Snapshot(sent),
	}
	if conv := p.session.ConversationID(); conv != "" {
		body.ConversationID = &conv
	}

	entryID, ok := p.session.Begin(query, sent)
	if !ok {
		return nil, ErrStreaming
	}
	p.store.Clear()

	ctrl := newStreamController(context.WithoutCancel(ctx), entryID)
	p.current = ctrl

	p.logger.WithFields(logrus.Fields{
		"entryId":        entryID,
		"conversationId": body.ConversationID,
		"attachments":    len(body.Attachments),
	}).Info("Submitting query")

	p.wg.Add(1)
	go p.run(ctrl, body)
	return ctrl, nil
}

func (p *Pipeline) run(ctrl *StreamController, body Request) {
	defer p.wg.Done()
	defer close(ctrl.done)
	defer ctrl.cancel()

	log := p.logger.WithField("entryId", ctrl.entryID)

	rc, err := p.streamer.StreamQuery(ctrl.ctx, body)
	if err != nil {
		p.resolve(ctrl, err, log)
		return
	}
	defer rc.Close()

	decoder := stream.NewDecoder(log)
	err = decoder.Decode(ctrl.ctx, rc, func(ev stream.Event) {
		p.session.Apply(ctrl.entryID, ev)
	})
	p.resolve(ctrl, err, log)
}

// resolve settles an entry whose stream stopped. An entry that already got
// end or error keeps that state.
func (p *Pipeline) resolve(ctrl *StreamController, err error, log *logrus.Entry) {
	switch {
	case ctrl.Cancelled():
		if p.session.Cancel(ctrl.entryID) {
			log.Info("Stream cancelled")
		}
	case err != nil:
		msg, more := ErrorMessage(err)
		if p.session.Fail(ctrl.entryID, chat.ErrorInfo{Message: msg, MoreInfo: more}) {
			log.WithError(err).Warn("Stream failed")
		}
	default:
		if p.session.Close(ctrl.entryID) {
			log.Warn("Stream closed without a terminal event")
		}
	}
	log.WithField("duration", time.Since(ctrl.startedAt).String()).Debug("Stream finished")
}

// Current returns the controller of the latest submission, or nil.
func (p *Pipeline) Current() *StreamController {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Cancel aborts the in-flight stream. The entry resolves to cancelled right
// away; whatever the stream still delivers is discarded.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	ctrl := p.current
	p.mu.Unlock()
	if ctrl == nil {
		return false
	}
	ctrl.Cancel()
	return p.session.Cancel(ctrl.entryID)
}

// Wait blocks until every stream started by the pipeline has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Readiness polls the backend until it reports ready or ctx is done.
func Readiness(ctx context.Context, c *Client, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var status struct {
			Ready  bool   `json:"ready"`
			Reason string `json:"reason"`
		}
		err := c.GetJSON(ctx, PathReadiness, &status)
		if err == nil && status.Ready {
			return nil
		}
		c.logger.WithFields(logrus.Fields{"reason": status.Reason, "error": err}).Debug("Backend not ready")

		select {
		case <-ctx.Done():
			if err != nil {
				return errors.Join(ctx.Err(), err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FeedbackEnabled reports whether the backend accepts feedback.
func FeedbackEnabled(ctx context.Context, c *Client) (bool, error) {
	var status struct {
		Functionality string `json:"functionality"`
		Status        struct {
			Enabled bool `json:"enabled"`
		} `json:"status"`
	}
	if err := c.GetJSON(ctx, PathFeedbackStatus, &status); err != nil {
		return false, err
	}
	return status.Status.Enabled, nil
}
