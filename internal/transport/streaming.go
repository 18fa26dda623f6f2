// ABOUTME: Streamable HTTP transport: a server-assigned session carried in the Mcp-Session-Id header.
// ABOUTME: Replies may be JSON or SSE; a 404 on a session-bearing request ends the session with ErrSessionExpired.

package transport

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/2389/mcp-relay/internal/jsonrpc"
)

const sessionDeleteTimeout = 5 * time.Second

// StreamingHTTP keeps one protocol session with the remote.
type StreamingHTTP struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	stream  *messageStream

	mu              sync.Mutex
	started         bool
	closed          bool
	sessionID       string
	protocolVersion string

	// SSE bodies still being drained after Send returned; Close closes them.
	bodies  map[io.ReadCloser]struct{}
	readers sync.WaitGroup
}

// NewStreamingHTTP creates a session-scoped HTTP transport.
func NewStreamingHTTP(cfg HTTPConfig) *StreamingHTTP {
	return &StreamingHTTP{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpClient(cfg.Client),
		logger:  loggerOrDefault(cfg.Logger),
		stream:  newMessageStream(),
		bodies:  make(map[io.ReadCloser]struct{}),
	}
}

func (s *StreamingHTTP) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.closed {
		return ErrClosed
	}
	s.started = true
	s.logger.Info("streaming http transport ready", "url", RedactURL(s.url))
	return nil
}

// SessionID returns the server-assigned session id, empty before initialize.
func (s *StreamingHTTP) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetProtocolVersion records the negotiated version sent on later requests.
func (s *StreamingHTTP) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

// Send posts msg within the session. JSON replies are delivered before Send
// returns; SSE replies are drained in the background until the stream or ctx ends.
func (s *StreamingHTTP) Send(ctx context.Context, msg *jsonrpc.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	headers := make(map[string]string, len(s.headers)+2)
	for k, v := range s.headers {
		headers[k] = v
	}
	sessionID := s.sessionID
	if sessionID != "" {
		headers[HeaderSessionID] = sessionID
	}
	if s.protocolVersion != "" {
		headers[HeaderProtocolVersion] = s.protocolVersion
	}
	s.mu.Unlock()

	resp, err := postEnvelope(ctx, s.client, s.url, headers, msg)
	if err != nil {
		return err
	}

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		s.mu.Lock()
		if s.sessionID != id {
			s.logger.Debug("session assigned", "session_id", id)
		}
		s.sessionID = id
		s.mu.Unlock()
	}

	if resp.StatusCode == http.StatusNotFound && sessionID != "" {
		resp.Body.Close()
		s.logger.Warn("session expired", "session_id", sessionID)
		s.expire()
		return ErrSessionExpired
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet := readSnippet(resp.Body)
		s.logger.Warn("http request failed", "url", RedactURL(s.url), "status", resp.StatusCode, "body", RedactLine(snippet))
		if msg.Kind() == jsonrpc.KindRequest {
			s.stream.push(httpErrorResponse(msg.ID, resp.StatusCode, snippet))
			return nil
		}
		return httpErrorResponse(nil, resp.StatusCode, snippet).Error
	}

	if isEventStream(resp) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			resp.Body.Close()
			return ErrClosed
		}
		s.bodies[resp.Body] = struct{}{}
		s.readers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.readers.Done()
			defer func() {
				s.mu.Lock()
				delete(s.bodies, resp.Body)
				s.mu.Unlock()
				resp.Body.Close()
			}()
			if err := readSSEReplies(ctx, resp.Body, s.stream, s.logger); err != nil {
				s.logger.Debug("event stream ended", "error", err)
			}
		}()
		return nil
	}

	defer resp.Body.Close()
	return readReplies(ctx, resp, s.stream, s.logger)
}

func isEventStream(resp *http.Response) bool {
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

// expire ends the transport so the owner reconnects with a fresh session.
func (s *StreamingHTTP) expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.sessionID = ""
	s.mu.Unlock()
	s.stream.finish(ErrSessionExpired)
}

func (s *StreamingHTTP) Messages() <-chan *jsonrpc.Message { return s.stream.Messages() }

func (s *StreamingHTTP) Done() <-chan struct{} { return s.stream.Done() }

func (s *StreamingHTTP) Err() error { return s.stream.Err() }

// Close ends the session with a DELETE when the server assigned one.
func (s *StreamingHTTP) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	sessionID := s.sessionID
	s.sessionID = ""
	bodies := make([]io.ReadCloser, 0, len(s.bodies))
	for b := range s.bodies {
		bodies = append(bodies, b)
	}
	s.mu.Unlock()

	for _, b := range bodies {
		b.Close()
	}
	if !alreadyClosed && sessionID != "" {
		s.deleteSession(sessionID)
	}
	s.stream.finish(nil)
	s.readers.Wait()
	return nil
}

func (s *StreamingHTTP) deleteSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionDeleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderSessionID, sessionID)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("session delete failed", "error", err)
		return
	}
	resp.Body.Close()
}
