// ABOUTME: One-shot JSON-RPC over plain HTTP POST; each request is independent and carries no session.
// ABOUTME: Responses (JSON or SSE) are delivered on Messages; HTTP failures become error responses for the same id.

package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
)

// HTTP limits
const (
	maxResponseBodySize = 10 << 20
	maxErrorSnippet     = 512
	defaultHTTPTimeout  = 2 * time.Minute
)

// Header names used by the streaming HTTP flavor.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

// HTTPConfig configures both HTTP transports.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTP posts each envelope as a single request.
type HTTP struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	stream  *messageStream

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewHTTP creates a one-shot HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	return &HTTP{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpClient(cfg.Client),
		logger:  loggerOrDefault(cfg.Logger),
		stream:  newMessageStream(),
	}
}

// OneShot marks the transport as sessionless.
func (h *HTTP) OneShot() bool { return true }

func (h *HTTP) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	if h.closed {
		return ErrClosed
	}
	h.started = true
	h.logger.Info("http transport ready", "url", RedactURL(h.url))
	return nil
}

// Send performs the round trip in the caller's goroutine. Any reply is
// delivered on Messages; a failed request with an id yields an error
// response for that id.
func (h *HTTP) Send(ctx context.Context, msg *jsonrpc.Message) error {
	h.mu.Lock()
	started, closed := h.started, h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	resp, err := postEnvelope(ctx, h.client, h.url, h.headers, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return h.deliverHTTPError(msg, resp)
	}
	return readReplies(ctx, resp, h.stream, h.logger)
}

func (h *HTTP) deliverHTTPError(msg *jsonrpc.Message, resp *http.Response) error {
	snippet := readSnippet(resp.Body)
	h.logger.Warn("http request failed", "url", RedactURL(h.url), "status", resp.StatusCode, "body", RedactLine(snippet))
	if msg.Kind() != jsonrpc.KindRequest {
		return fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	}
	h.stream.push(httpErrorResponse(msg.ID, resp.StatusCode, snippet))
	return nil
}

func (h *HTTP) Messages() <-chan *jsonrpc.Message { return h.stream.Messages() }

func (h *HTTP) Done() <-chan struct{} { return h.stream.Done() }

func (h *HTTP) Err() error { return h.stream.Err() }

func (h *HTTP) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.stream.finish(nil)
	return nil
}

// postEnvelope sends msg with the JSON and SSE accept types.
func postEnvelope(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, msg *jsonrpc.Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// url.Error repeats the raw URL, credentials included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("posting to %s: %w", RedactURL(endpoint), err)
	}
	return resp, nil
}

// readReplies delivers the envelopes in a 2xx response body, which is either
// a single JSON envelope, a JSON batch, or an SSE stream of envelopes.
func readReplies(ctx context.Context, resp *http.Response, stream *messageStream, logger *slog.Logger) error {
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return readSSEReplies(ctx, resp.Body, stream, logger)
	default:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return deliverJSONBody(data, stream)
	}
}

func deliverJSONBody(data []byte, stream *messageStream) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("%w: %v", jsonrpc.ErrParse, err)
		}
		for _, raw := range batch {
			msg, err := jsonrpc.Decode(raw)
			if err != nil {
				return err
			}
			stream.push(msg)
		}
		return nil
	}
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return err
	}
	stream.push(msg)
	return nil
}

func readSSEReplies(ctx context.Context, body io.Reader, stream *messageStream, logger *slog.Logger) error {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxResponseBodySize}) {
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		msg, err := jsonrpc.Decode([]byte(ev.Data))
		if err != nil {
			logger.Debug("dropping malformed event", "error", err)
			continue
		}
		if !stream.push(msg) {
			return nil
		}
	}
	return nil
}

func httpErrorResponse(id json.RawMessage, status int, snippet string) *jsonrpc.Message {
	message := fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	if snippet != "" {
		message += ": " + snippet
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, message)
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorSnippet))
	return strings.TrimSpace(string(data))
}

// authHeaders merges static headers with the configured credentials.
func authHeaders(cfg *config.RemoteServerConfig) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Auth == nil {
		return headers
	}
	switch cfg.Auth.Type {
	case "bearer":
		headers["Authorization"] = "Bearer " + cfg.Auth.Token
	case "header":
		headers[cfg.Auth.Header] = cfg.Auth.Token
	case "basic":
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Auth.Username + ":" + cfg.Auth.Password))
		headers["Authorization"] = "Basic " + creds
	}
	return headers
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
