// ABOUTME: Scripted MCP tool server used by tests over stdio and HTTP.
// ABOUTME: Answers initialize and tools/list, and offers echo, fail, silent, slow and exit tools.

package mcptest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/2389/mcp-relay/internal/jsonrpc"
)

// ProtocolVersion is advertised in initialize results.
const ProtocolVersion = "2025-03-26"

// ExitRequest is returned by ServeStdio when the exit tool was called.
type ExitRequest struct {
	Code int
}

func (e *ExitRequest) Error() string { return fmt.Sprintf("exit requested with code %d", e.Code) }

// Tool is a catalogue entry.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// DefaultTools is the catalogue served when Server.Tools is empty.
var DefaultTools = []Tool{
	{Name: "echo", Description: "Echo the text argument", InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)},
	{Name: "fail", Description: "Always returns a tool error", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "silent", Description: "Never answers", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "slow", Description: "Echo after ms milliseconds", InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer"},"text":{"type":"string"}}}`)},
	{Name: "exit", Description: "Terminate the server with code", InputSchema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"integer"}}}`)},
}

// Server is a minimal MCP server. The zero value serves DefaultTools.
type Server struct {
	Name  string
	Tools []Tool

	// SSE makes the HTTP handler answer requests with an event stream.
	SSE bool
	// Streaming makes the HTTP handler assign and enforce sessions.
	Streaming bool

	Initialized atomic.Bool
	Calls       atomic.Int64

	mu       sync.Mutex
	sessions map[string]bool
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type callArgs struct {
	Text string `json:"text"`
	MS   int    `json:"ms"`
	Code int    `json:"code"`
}

// Handle answers one envelope. It returns nil for notifications and for the
// silent tool. An *ExitRequest error asks the caller to terminate.
func (s *Server) Handle(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if msg.Kind() == jsonrpc.KindNotification {
		if msg.Method == "notifications/initialized" {
			s.Initialized.Store(true)
		}
		return nil, nil
	}
	if msg.Kind() != jsonrpc.KindRequest {
		return nil, nil
	}

	switch msg.Method {
	case "initialize":
		name := s.Name
		if name == "" {
			name = "mcptest"
		}
		return jsonrpc.NewResult(msg.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": name, "version": "1.0.0"},
		})

	case "ping":
		return jsonrpc.NewResult(msg.ID, nil)

	case "tools/list":
		tools := s.Tools
		if len(tools) == 0 {
			tools = DefaultTools
		}
		return jsonrpc.NewResult(msg.ID, map[string]any{"tools": tools})

	case "tools/call":
		s.Calls.Add(1)
		var p callParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, err.Error()), nil
		}
		var args callArgs
		if len(p.Arguments) > 0 {
			_ = json.Unmarshal(p.Arguments, &args)
		}
		switch p.Name {
		case "echo":
			return textResult(msg.ID, args.Text)
		case "slow":
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			return textResult(msg.ID, args.Text)
		case "fail":
			return jsonrpc.NewErrorResponse(msg.ID, -32000, "tool failed on purpose"), nil
		case "silent":
			return nil, nil
		case "exit":
			return nil, &ExitRequest{Code: args.Code}
		case "hang":
			// Unlisted. Runs inline, so a stdio server stops reading input
			// until it returns; ms of zero means an hour.
			d := time.Duration(args.MS) * time.Millisecond
			if d <= 0 {
				d = time.Hour
			}
			time.Sleep(d)
			return textResult(msg.ID, args.Text)
		default:
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "unknown tool: "+p.Name), nil
		}

	default:
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method), nil
	}
}

func textResult(id json.RawMessage, text string) (*jsonrpc.Message, error) {
	return jsonrpc.NewResult(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

// ServeStdio reads newline-delimited envelopes from in until EOF and writes
// replies to out. Slow calls are answered concurrently.
func (s *Server) ServeStdio(in io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	write := func(m *jsonrpc.Message) {
		data, err := jsonrpc.Encode(m)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = out.Write(data)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	reader := bufio.NewReader(in)
	var framer jsonrpc.Framer
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		for _, ev := range framer.Feed(buf[:n]) {
			if ev.Err != nil {
				continue
			}
			msg := ev.Message
			if msg.Method == "tools/call" {
				var p callParams
				_ = json.Unmarshal(msg.Params, &p)
				if p.Name == "slow" {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if reply, _ := s.Handle(msg); reply != nil {
							write(reply)
						}
					}()
					continue
				}
			}
			reply, herr := s.Handle(msg)
			var exit *ExitRequest
			if errors.As(herr, &exit) {
				return exit
			}
			if reply != nil {
				write(reply)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// ServeHTTP handles POST (and DELETE for streaming sessions).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Streaming && r.Method == http.MethodDelete {
		s.mu.Lock()
		delete(s.sessions, r.Header.Get("Mcp-Session-Id"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.Streaming {
		sid := r.Header.Get("Mcp-Session-Id")
		if msg.Method == "initialize" {
			sid = uuid.New().String()
			s.mu.Lock()
			if s.sessions == nil {
				s.sessions = make(map[string]bool)
			}
			s.sessions[sid] = true
			s.mu.Unlock()
			w.Header().Set("Mcp-Session-Id", sid)
		} else {
			s.mu.Lock()
			ok := s.sessions[sid]
			s.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		}
	}

	reply, _ := s.Handle(msg)
	if reply == nil {
		if msg.Kind() == jsonrpc.KindRequest {
			// silent tool: hold the request open until the client gives up
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	body, _ := json.Marshal(reply)
	if s.SSE {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ev := &sse.Message{Type: sse.Type("message")}
		ev.AppendData(string(body))
		_ = sess.Send(ev)
		_ = sess.Flush()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// ExpireSessions forgets every streaming session so the next request gets 404.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	s.sessions = nil
	s.mu.Unlock()
}

// SessionCount reports the number of live streaming sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
