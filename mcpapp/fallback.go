package mcpapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
)

// Shape names a recognised structured_content layout.
type Shape string

const (
	ShapePodUtilization Shape = "pod-utilization"
	ShapeNamespaces     Shape = "namespaces"
	ShapeWorkloads      Shape = "workloads"
	ShapeHTML           Shape = "html"
	ShapeJSON           Shape = "json"
	ShapeText           Shape = "text"
)

// PodUsage is one row of a pod utilization list.
type PodUsage struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	CPU       string `json:"cpu"`
	Memory    string `json:"memory"`
	Status    string `json:"status,omitempty"`
}

// NamespaceInfo is one row of a namespace list.
type NamespaceInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WorkloadInfo is one row of a workload list.
type WorkloadInfo struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Ready     int    `json:"ready"`
	Replicas  int    `json:"replicas"`
}

const resizeScript = `<script>
(function () {
  function report() {
    var h = Math.ceil(document.documentElement.scrollHeight);
    window.parent.postMessage({ type: "mcp-app-resize", height: h }, "*");
  }
  window.addEventListener("load", report);
  if (window.ResizeObserver) { new ResizeObserver(report).observe(document.body); }
})();
</script>`

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: sans-serif; font-size: 14px; margin: 8px; }
body.dark { background: #1b1d21; color: #e0e0e0; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 4px 8px; border-bottom: 1px solid #d2d2d2; }
pre { white-space: pre-wrap; word-break: break-word; }
.ok { color: #3e8635; } .warn { color: #c58c00; }
</style>
</head>
<body class="{{.Theme}}">
{{- if .Title}}<h3>{{.Title}}</h3>{{end}}
{{.Body}}
{{.Script}}
</body>
</html>
`))

var podsTemplate = template.Must(template.New("pods").Parse(`<table>
<thead><tr><th>Pod</th><th>Namespace</th><th>CPU</th><th>Memory</th></tr></thead>
<tbody>
{{- range .}}
<tr><td>{{.Name}}</td><td>{{.Namespace}}</td><td>{{.CPU}}</td><td>{{.Memory}}</td></tr>
{{- end}}
</tbody>
</table>`))

var namespacesTemplate = template.Must(template.New("namespaces").Parse(`<table>
<thead><tr><th>Namespace</th><th>Status</th></tr></thead>
<tbody>
{{- range .}}
<tr><td>{{.Name}}</td><td class="{{if eq .Status "Active"}}ok{{else}}warn{{end}}">{{.Status}}</td></tr>
{{- end}}
</tbody>
</table>`))

var workloadsTemplate = template.Must(template.New("workloads").Parse(`<table>
<thead><tr><th>Kind</th><th>Name</th><th>Namespace</th><th>Ready</th></tr></thead>
<tbody>
{{- range .}}
<tr><td>{{.Kind}}</td><td>{{.Name}}</td><td>{{.Namespace}}</td><td class="{{if eq .Ready .Replicas}}ok{{else}}warn{{end}}">{{.Ready}}/{{.Replicas}}</td></tr>
{{- end}}
</tbody>
</table>`))

var preTemplate = template.Must(template.New("pre").Parse(`<pre>{{.}}</pre>`))

// DetectShape picks the layout of a structured result. Known shapes are
// tried in priority order; anything else is pretty-printed JSON.
func DetectShape(structured json.RawMessage) Shape {
	if len(bytes.TrimSpace(structured)) == 0 || string(structured) == "null" {
		return ShapeText
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(structured, &fields); err != nil {
		return ShapeJSON
	}
	if raw, ok := fields["pods"]; ok {
		var pods []PodUsage
		if json.Unmarshal(raw, &pods) == nil {
			return ShapePodUtilization
		}
	}
	if raw, ok := fields["namespaces"]; ok {
		var ns []NamespaceInfo
		if json.Unmarshal(raw, &ns) == nil {
			return ShapeNamespaces
		}
	}
	if raw, ok := fields["workloads"]; ok {
		var wl []WorkloadInfo
		if json.Unmarshal(raw, &wl) == nil {
			return ShapeWorkloads
		}
	}
	if raw, ok := fields["html"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return ShapeHTML
		}
	}
	return ShapeJSON
}

func renderInto(t *template.Template, data any) (template.HTML, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return template.HTML(buf.String()), nil
}

// GenerateHTML builds the fallback page for a tool result. The page reports
// its height to the host with a single mcp-app-resize message.
func GenerateHTML(title, theme string, result *ToolResult) (string, error) {
	structured := result.StructuredContent
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(structured, &fields)

	var (
		body template.HTML
		err  error
	)
	switch DetectShape(structured) {
	case ShapePodUtilization:
		var pods []PodUsage
		_ = json.Unmarshal(fields["pods"], &pods)
		body, err = renderInto(podsTemplate, pods)
	case ShapeNamespaces:
		var ns []NamespaceInfo
		_ = json.Unmarshal(fields["namespaces"], &ns)
		body, err = renderInto(namespacesTemplate, ns)
	case ShapeWorkloads:
		var wl []WorkloadInfo
		_ = json.Unmarshal(fields["workloads"], &wl)
		body, err = renderInto(workloadsTemplate, wl)
	case ShapeHTML:
		var raw string
		_ = json.Unmarshal(fields["html"], &raw)
		// Authored by the tool's server; passed through unescaped.
		body = template.HTML(raw)
	case ShapeJSON:
		var pretty bytes.Buffer
		if jerr := json.Indent(&pretty, structured, "", "  "); jerr != nil {
			pretty.Reset()
			pretty.Write(structured)
		}
		body, err = renderInto(preTemplate, pretty.String())
	default:
		body, err = renderInto(preTemplate, result.Text())
	}
	if err != nil {
		return "", err
	}

	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct {
		Title  string
		Theme  string
		Body   template.HTML
		Script template.HTML
	}{title, theme, body, template.HTML(resizeScript)})
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return page.String(), nil
}

// ErrorPanel renders the error page shown when the fallback tool call fails.
func ErrorPanel(message string) string {
	var buf bytes.Buffer
	_ = pageTemplate.Execute(&buf, struct {
		Title  string
		Theme  string
		Body   template.HTML
		Script template.HTML
	}{"Tool call failed", "", mustRender(preTemplate, message), template.HTML(resizeScript)})
	return buf.String()
}

func mustRender(t *template.Template, data any) template.HTML {
	out, err := renderInto(t, data)
	if err != nil {
		return ""
	}
	return out
}
