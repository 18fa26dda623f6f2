// ABOUTME: Shared inbound pump for byte-stream transports (process stdout, container attach).
// ABOUTME: Frames chunks into envelopes, delivers them in order and records why the stream ended.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/mcp-relay/internal/jsonrpc"
)

const readChunkSize = 32 << 10

// messageStream is the Messages/Done/Err half of a transport.
type messageStream struct {
	msgs chan *jsonrpc.Message
	done chan struct{}
	stop chan struct{}

	mu       sync.Mutex
	err      error
	finished bool
	inflight sync.WaitGroup
	stopOnce sync.Once
}

func newMessageStream() *messageStream {
	return &messageStream{
		msgs: make(chan *jsonrpc.Message, 64),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// pump reads r until EOF or error and delivers every framed envelope.
// Lines that are not envelopes are logged and dropped. It returns the read
// error, with io.EOF mapped to nil.
func (s *messageStream) pump(r io.Reader, logger *slog.Logger) error {
	var framer jsonrpc.Framer
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !s.deliver(framer.Feed(buf[:n]), logger) {
				return nil
			}
		}
		if err != nil {
			s.deliver(framer.Flush(), logger)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *messageStream) deliver(events []jsonrpc.Event, logger *slog.Logger) bool {
	for _, ev := range events {
		if ev.Err != nil {
			logger.Debug("dropping non-envelope output", "line", RedactLine(string(ev.Line)), "error", ev.Err)
			continue
		}
		if !s.push(ev.Message) {
			return false
		}
	}
	return true
}

// push delivers one envelope unless the stream was told to stop or has
// finished. It is safe to call from several goroutines.
func (s *messageStream) push(msg *jsonrpc.Message) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.msgs <- msg:
		return true
	case <-s.stop:
		return false
	}
}

// halt unblocks a pump whose consumer has gone away.
func (s *messageStream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// finish records the terminal error and closes Messages and Done. Only the
// first call has any effect.
func (s *messageStream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.mu.Unlock()

	s.halt()
	s.inflight.Wait()
	close(s.msgs)
	close(s.done)
}

func (s *messageStream) Messages() <-chan *jsonrpc.Message { return s.msgs }

func (s *messageStream) Done() <-chan struct{} { return s.done }

func (s *messageStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// frameWriter serializes writes of whole frames and bounds each one by the
// caller's context. Once a write is abandoned the peer may hold half a
// frame, so the transport has to be torn down.
type frameWriter struct {
	slot chan struct{}
}

func newFrameWriter() *frameWriter {
	return &frameWriter{slot: make(chan struct{}, 1)}
}

// write sends data through w. It gives up when ctx ends or closed fires,
// whether still queued behind another frame or stuck mid-write; in the
// latter case abort runs in its own goroutine. The write itself keeps the
// slot until it returns, so frames never interleave.
func (fw *frameWriter) write(ctx context.Context, closed <-chan struct{}, w io.Writer, data []byte, abort func()) error {
	select {
	case fw.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return ErrClosed
	}

	result := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		<-fw.slot
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		go abort()
		return fmt.Errorf("%w: %w", ErrWriteStalled, ctx.Err())
	case <-closed:
		return ErrClosed
	}
}

// logStderrLines logs each diagnostic line after masking secrets, then drains r.
func logStderrLines(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		logger.Debug("stderr", "line", RedactLine(line))
	}
	_, _ = io.Copy(io.Discard, r)
}
