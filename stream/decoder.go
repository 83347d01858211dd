package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

// FramePrefix marks a line that carries a JSON frame.
const FramePrefix = "data: "

const (
	readBufferSize    = 32 * 1024
	logTruncateLength = 200
)

// Callback receives decoded events in arrival order.
type Callback func(Event)

// Decoder turns an incrementally delivered byte stream into events.
//
// Chunks may split a frame anywhere, including inside a multi-byte UTF-8
// sequence; bytes are buffered until a newline completes the line. Malformed
// frames and unknown event names are logged and dropped. A trailing partial
// line is never flushed.
type Decoder struct {
	buf    []byte
	logger *logrus.Entry
}

// NewDecoder creates a decoder. A nil logger falls back to the standard
// logrus logger.
func NewDecoder(logger *logrus.Entry) *Decoder {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{logger: logger.WithField("component", "stream_decoder")}
}

func truncate(b []byte) string {
	if len(b) <= logTruncateLength {
		return string(b)
	}
	return string(b[:logTruncateLength]) + "..."
}

// Feed appends a chunk and returns the events completed by it.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[i+1:]
	}

	// Reclaim the consumed prefix once the buffer is drained.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return events
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial line.
func (d *Decoder) Reset() {
	d.buf = nil
}

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	if !bytes.HasPrefix(line, []byte(FramePrefix)) {
		return Event{}, false
	}
	payload := line[len(FramePrefix):]

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.WithError(err).WithField("frame", truncate(payload)).Warn("Dropping malformed stream frame")
		return Event{}, false
	}
	if ev.Event == "" || len(ev.Data) == 0 || bytes.Equal(ev.Data, []byte("null")) {
		return Event{}, false
	}
	if !ev.Event.Known() {
		d.logger.WithField("event", ev.Event).Info("Ignoring unrecognized stream event")
		return Event{}, false
	}
	return ev, true
}

// Decode reads r until it is exhausted or ctx is cancelled and hands every
// decoded event to fn.
//
// Parameters:
//   - ctx: Cancels the read; cancellation is reported as ctx.Err()
//   - r: The response body
//   - fn: Receives each event, strictly in arrival order
//
// Returns:
//   - error: nil on clean end of stream, ctx.Err() on cancellation, the read
//     error otherwise
func (d *Decoder) Decode(ctx context.Context, r io.Reader, fn Callback) error {
	chunk := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			for _, ev := range d.Feed(chunk[:n]) {
				// Cancellation discards whatever is still buffered.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if d.Pending() > 0 {
					d.logger.WithField("bytes", d.Pending()).Debug("Discarding trailing partial frame")
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
