// ABOUTME: Tool result shapes and normalization of executor return values.
// ABOUTME: Strings become one text block; structured values become pretty JSON plus a short summary.

package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxSummaryKeys bounds the objects that get a key/value summary block.
const maxSummaryKeys = 8

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolInfo is a tools/list entry.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// TextResult builds a single text block result.
func TextResult(text string, isError bool) CallToolResult {
	return CallToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: isError}
}

// NormalizeResult turns an executor's return value into a tool result.
// Strings become one text block. Structured values are rendered as indented
// JSON; small flat objects also get a "key: value" summary block.
func NormalizeResult(v any) CallToolResult {
	switch t := v.(type) {
	case nil:
		return CallToolResult{Content: []Content{}}
	case CallToolResult:
		return t
	case *CallToolResult:
		if t == nil {
			return CallToolResult{Content: []Content{}}
		}
		return *t
	case string:
		return TextResult(t, false)
	case fmt.Stringer:
		return TextResult(t.String(), false)
	case json.RawMessage:
		return normalizeJSON(t)
	case []byte:
		return normalizeJSON(t)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return TextResult(fmt.Sprint(v), false)
	}
	return normalizeJSON(data)
}

func normalizeJSON(data []byte) CallToolResult {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return CallToolResult{Content: []Content{}}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return TextResult(string(data), false)
	}
	if s, ok := decoded.(string); ok {
		return TextResult(s, false)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, trimmed, "", "  "); err != nil {
		return TextResult(string(trimmed), false)
	}
	result := TextResult(pretty.String(), false)
	if summary, ok := summarize(decoded); ok {
		result.Content = append(result.Content, Content{Type: "text", Text: summary})
	}
	return result
}

// summarize renders a flat object with at most maxSummaryKeys scalar members.
func summarize(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 || len(obj) > maxSummaryKeys {
		return "", false
	}
	keys := make([]string, 0, len(obj))
	for k, val := range obj {
		if _, scalar := scalarString(val); !scalar {
			return "", false
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		s, _ := scalarString(obj[k])
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String(), true
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "null", true
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
