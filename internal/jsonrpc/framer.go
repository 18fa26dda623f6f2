// ABOUTME: Newline-delimited framing of JSON-RPC envelopes over byte streams.
// ABOUTME: Feed accepts arbitrary chunks and keeps the trailing partial line for the next call.

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxLineSize bounds a single line, terminated or not.
const DefaultMaxLineSize = 16 << 20

// Event is produced once per complete line: either a parsed Message or a
// parse error carrying the offending line.
type Event struct {
	Message *Message
	Err     error
	Line    []byte
}

// Framer splits a byte stream into envelopes. It is not safe for concurrent
// use; each stream owns one Framer.
type Framer struct {
	MaxLineSize int

	buf []byte
	// skipping is set after an oversized partial line was reported; the
	// rest of that line is dropped up to its newline.
	skipping bool
}

// Feed appends chunk to the buffer and returns one event per complete line.
// Blank lines are skipped. A line longer than MaxLineSize yields a single
// error event however it is split across chunks.
func (f *Framer) Feed(chunk []byte) []Event {
	if f.skipping {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		chunk = chunk[idx+1:]
		f.skipping = false
	}
	f.buf = append(f.buf, chunk...)

	limit := f.maxLineSize()
	var events []Event
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		if len(line) > limit {
			events = append(events, oversized(limit))
			continue
		}
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}

	if len(f.buf) > limit {
		events = append(events, oversized(limit))
		f.buf = nil
		f.skipping = true
	}

	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64<<10 {
		f.buf = append([]byte(nil), f.buf...)
	}

	return events
}

// Flush parses whatever partial line remains, for use when the stream ends
// without a final newline.
func (f *Framer) Flush() []Event {
	line := f.buf
	f.buf = nil
	f.skipping = false
	if ev, ok := decodeLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Buffered reports the number of bytes held as an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) maxLineSize() int {
	if f.MaxLineSize > 0 {
		return f.MaxLineSize
	}
	return DefaultMaxLineSize
}

func oversized(limit int) Event {
	return Event{Err: fmt.Errorf("%w: line exceeds %d bytes", ErrParse, limit)}
}

func decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	msg, err := Decode(line)
	if err != nil {
		return Event{Err: err, Line: append([]byte(nil), line...)}, true
	}
	return Event{Message: msg}, true
}

// Decode parses a single envelope. Invalid JSON wraps ErrParse; well-formed
// JSON that is not a 2.0 envelope wraps ErrInvalidEnvelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("%w: jsonrpc must be %q, got %q", ErrInvalidEnvelope, Version, msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: neither method nor id present", ErrInvalidEnvelope)
	}
	return &msg, nil
}

// Encode serializes msg followed by exactly one line terminator.
func Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return append(data, '\n'), nil
}
