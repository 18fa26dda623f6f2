// ABOUTME: /status page rendered from a markdown report with goldmark
// ABOUTME: Summarizes uptime, sessions, remote servers and running tasks

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/tasks"
)

var statusMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 60rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// statusReport is the input of renderStatusMarkdown.
type statusReport struct {
	Name     string
	Version  string
	Endpoint string
	Uptime   time.Duration
	Sessions int
	Servers  []manager.ServerStatus
	Tasks    []tasks.Task
}

// renderStatusMarkdown writes the report as GitHub-flavored markdown.
func renderStatusMarkdown(r statusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", r.Name, r.Version)
	fmt.Fprintf(&b, "- Endpoint: `%s`\n", r.Endpoint)
	fmt.Fprintf(&b, "- Uptime: %s\n", r.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "- Sessions: %d\n\n", r.Sessions)

	connected := 0
	for _, s := range r.Servers {
		if s.Connected {
			connected++
		}
	}
	fmt.Fprintf(&b, "## Servers (%d of %d connected)\n\n", connected, len(r.Servers))
	if len(r.Servers) == 0 {
		b.WriteString("No remote servers configured.\n\n")
	} else {
		b.WriteString("| Server | Transport | State | Tools | Retries | Last error |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, s := range r.Servers {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %s |\n",
				cell(s.Name), cell(string(s.Transport)), cell(s.State), len(s.Tools), s.RetryAttempts, cell(s.LastError))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Tasks (%d running)\n\n", len(r.Tasks))
	if len(r.Tasks) > 0 {
		b.WriteString("| Task | Name | Progress | Cancelled | Message |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, t := range r.Tasks {
			fmt.Fprintf(&b, "| %s | %s | %d/%d | %t | %s |\n",
				cell(t.ID), cell(t.Name), t.CurrentStep, t.TotalSteps, t.Cancelled, cell(t.Message))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	if s == "" {
		return "-"
	}
	return s
}

func (g *Gateway) statusReport() statusReport {
	return statusReport{
		Name:     g.config.Gateway.ServerName,
		Version:  g.version,
		Endpoint: g.mcpEndpoint,
		Uptime:   time.Since(g.startedAt),
		Sessions: g.mcpServer.SessionCount(),
		Servers:  g.manager.Statuses(),
		Tasks:    g.tasks.List(),
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := g.statusReport()
	md := renderStatusMarkdown(report)

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}

	var body bytes.Buffer
	if err := statusMarkdown.Convert([]byte(md), &body); err != nil {
		g.logger.Error("rendering status page", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to render status")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, map[string]any{
		"Title": report.Name + " status",
		"Body":  template.HTML(body.String()),
	}); err != nil {
		g.logger.Error("writing status page", "error", err)
	}
}
