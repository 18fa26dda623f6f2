// ABOUTME: Server-sent event responses for tools/call requests that carry a progress token.
// ABOUTME: Streams notifications/progress while the procedure runs, then the final response.

package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"

	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/tasks"
)

type requestMeta struct {
	Meta struct {
		ProgressToken json.RawMessage `json:"progressToken"`
	} `json:"_meta"`
}

// progressToken extracts params._meta.progressToken, or nil.
func progressToken(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	var meta requestMeta
	if err := json.Unmarshal(params, &meta); err != nil {
		return nil
	}
	tok := bytes.TrimSpace(meta.Meta.ProgressToken)
	if len(tok) == 0 || bytes.Equal(tok, []byte("null")) {
		return nil
	}
	return json.RawMessage(tok)
}

func wantsProgress(params json.RawMessage) bool {
	return progressToken(params) != nil
}

// acceptsEventStream reports whether the client explicitly accepts SSE.
func acceptsEventStream(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      int             `json:"progress"`
	Total         int             `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// progressStream writes JSON-RPC messages as SSE events. Sends are
// serialized; the sse session is not safe for concurrent use.
type progressStream struct {
	mu     sync.Mutex
	sess   *sse.Session
	broken error
}

func openProgressStream(w http.ResponseWriter, r *http.Request) (*progressStream, error) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, fmt.Errorf("upgrading to event stream: %w", err)
	}
	return &progressStream{sess: sess}, nil
}

// progress sends a notifications/progress event for a task snapshot.
func (p *progressStream) progress(task tasks.Task) {
	if len(task.ProgressToken) == 0 {
		return
	}
	msg, err := jsonrpc.NewNotification("notifications/progress", progressParams{
		ProgressToken: task.ProgressToken,
		Progress:      task.CurrentStep,
		Total:         task.TotalSteps,
		Message:       task.Message,
	})
	if err != nil {
		return
	}
	_ = p.send(msg)
}

// finish sends the final response. Nothing is sent after it.
func (p *progressStream) finish(resp *jsonrpc.Message) error {
	return p.send(resp)
}

func (p *progressStream) send(msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ev := &sse.Message{Type: sse.Type("message")}
	ev.AppendData(string(data))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken != nil {
		return p.broken
	}
	if err := p.sess.Send(ev); err != nil {
		p.broken = err
		return err
	}
	if err := p.sess.Flush(); err != nil {
		p.broken = err
		return err
	}
	return nil
}
