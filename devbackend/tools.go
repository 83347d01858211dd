package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/tools"

	"lightspeed/resource"
)

// ClusterServerName is the MCP server name the cluster tools report.
const ClusterServerName = "cluster"

// PodsAppURI is the MCP App resource of the pod utilization tool.
const PodsAppURI = "ui://cluster/pods-utilization"

var toolsLogger = logrus.WithField("component", "cluster-tools")

// ClusterTool is a langchaingo tool that also describes itself as an MCP
// tool and returns structured content.
type ClusterTool interface {
	tools.Tool
	Definition() mcp.Tool
	Invoke(ctx context.Context, args map[string]any) (string, json.RawMessage, error)
}

// UIResourceURI reports the MCP App resource of a tool, if it has one.
func UIResourceURI(t ClusterTool) string {
	if withUI, ok := t.(interface{ UIResourceURI() string }); ok {
		return withUI.UIResourceURI()
	}
	return ""
}

func namespaceArg(args map[string]any) string {
	ns, _ := args["namespace"].(string)
	return strings.TrimSpace(ns)
}

func structured(key string, rows any) (json.RawMessage, error) {
	return json.Marshal(map[string]any{key: rows})
}

// NamespacesTool lists namespaces.
type NamespacesTool struct{ lister resource.Lister }

var _ ClusterTool = (*NamespacesTool)(nil)

func (t *NamespacesTool) Name() string { return "namespaces_list" }

func (t *NamespacesTool) Description() string {
	return "List the namespaces of the cluster with their phase. Input is ignored."
}

func (t *NamespacesTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(), mcp.WithDescription(t.Description()))
}

func (t *NamespacesTool) Call(ctx context.Context, _ string) (string, error) {
	text, _, err := t.Invoke(ctx, nil)
	return text, err
}

func (t *NamespacesTool) Invoke(ctx context.Context, _ map[string]any) (string, json.RawMessage, error) {
	list, err := t.lister.Namespaces(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list namespaces: %w", err)
	}
	if list == nil {
		list = []resource.NamespaceSummary{}
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, fmt.Sprintf("%d namespaces:", len(list)))
	for _, ns := range list {
		lines = append(lines, fmt.Sprintf("- %s (%s)", ns.Name, ns.Status))
	}
	data, err := structured("namespaces", list)
	return strings.Join(lines, "\n"), data, err
}

// WorkloadsTool lists deployments, stateful sets and daemon sets.
type WorkloadsTool struct{ lister resource.Lister }

var _ ClusterTool = (*WorkloadsTool)(nil)

func (t *WorkloadsTool) Name() string { return "workloads_list" }

func (t *WorkloadsTool) Description() string {
	return "List workloads with ready and desired replicas. Input: namespace, empty for all namespaces."
}

func (t *WorkloadsTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription(t.Description()),
		mcp.WithString("namespace", mcp.Description("Namespace to list, empty for all")),
	)
}

func (t *WorkloadsTool) Call(ctx context.Context, input string) (string, error) {
	text, _, err := t.Invoke(ctx, map[string]any{"namespace": input})
	return text, err
}

func (t *WorkloadsTool) Invoke(ctx context.Context, args map[string]any) (string, json.RawMessage, error) {
	list, err := t.lister.Workloads(ctx, namespaceArg(args))
	if err != nil {
		return "", nil, fmt.Errorf("list workloads: %w", err)
	}
	if list == nil {
		list = []resource.WorkloadSummary{}
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, fmt.Sprintf("%d workloads:", len(list)))
	for _, w := range list {
		lines = append(lines, fmt.Sprintf("- %s %s/%s %d/%d ready", w.Kind, w.Namespace, w.Name, w.Ready, w.Replicas))
	}
	data, err := structured("workloads", list)
	return strings.Join(lines, "\n"), data, err
}

// PodsUtilizationTool lists pods with requested CPU and memory. It is
// rendered by an MCP App.
type PodsUtilizationTool struct{ lister resource.Lister }

var _ ClusterTool = (*PodsUtilizationTool)(nil)

func (t *PodsUtilizationTool) Name() string { return "pods_utilization" }

func (t *PodsUtilizationTool) Description() string {
	return "Show CPU and memory requests of pods. Input: namespace, empty for all namespaces."
}

func (t *PodsUtilizationTool) UIResourceURI() string { return PodsAppURI }

func (t *PodsUtilizationTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription(t.Description()),
		mcp.WithString("namespace", mcp.Description("Namespace to inspect, empty for all")),
	)
}

func (t *PodsUtilizationTool) Call(ctx context.Context, input string) (string, error) {
	text, _, err := t.Invoke(ctx, map[string]any{"namespace": input})
	return text, err
}

func (t *PodsUtilizationTool) Invoke(ctx context.Context, args map[string]any) (string, json.RawMessage, error) {
	list, err := t.lister.Pods(ctx, namespaceArg(args))
	if err != nil {
		return "", nil, fmt.Errorf("list pods: %w", err)
	}
	if list == nil {
		list = []resource.PodSummary{}
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, fmt.Sprintf("%d pods:", len(list)))
	for _, p := range list {
		lines = append(lines, fmt.Sprintf("- %s/%s cpu=%s memory=%s %s", p.Namespace, p.Name, p.CPU, p.Memory, p.Status))
	}
	data, err := structured("pods", list)
	return strings.Join(lines, "\n"), data, err
}

// Toolbox holds the cluster tools and the MCP App resources they publish.
type Toolbox struct {
	tools     map[string]ClusterTool
	order     []string
	resources map[string]string
}

// NewToolbox builds the cluster tools over lister.
func NewToolbox(lister resource.Lister) *Toolbox {
	list := []ClusterTool{
		&NamespacesTool{lister: lister},
		&WorkloadsTool{lister: lister},
		&PodsUtilizationTool{lister: lister},
	}
	tb := &Toolbox{
		tools:     make(map[string]ClusterTool, len(list)),
		resources: map[string]string{PodsAppURI: podsAppHTML},
	}
	for _, t := range list {
		tb.tools[t.Name()] = t
		tb.order = append(tb.order, t.Name())
	}
	toolsLogger.WithField("tools", tb.order).Debug("Cluster tools initialized")
	return tb
}

// Lookup returns the tool called name on server.
func (tb *Toolbox) Lookup(server, name string) (ClusterTool, bool) {
	if server != ClusterServerName {
		return nil, false
	}
	t, ok := tb.tools[name]
	return t, ok
}

// LangchainTools returns the tools in registration order.
func (tb *Toolbox) LangchainTools() []tools.Tool {
	out := make([]tools.Tool, 0, len(tb.order))
	for _, name := range tb.order {
		out = append(out, tb.tools[name])
	}
	return out
}

// Definitions returns the MCP catalogue of server.
func (tb *Toolbox) Definitions(server string) []mcp.Tool {
	if server != "" && server != ClusterServerName {
		return []mcp.Tool{}
	}
	out := make([]mcp.Tool, 0, len(tb.order))
	for _, name := range tb.order {
		out = append(out, tb.tools[name].Definition())
	}
	return out
}

// Resource returns the HTML published under uri.
func (tb *Toolbox) Resource(uri string) (string, bool) {
	html, ok := tb.resources[uri]
	return html, ok
}

var (
	namespaceRegex = regexp.MustCompile(`(?i)\b(?:in|namespace|project)\s+(?:the\s+)?(?:namespace\s+|project\s+)?([a-z0-9][a-z0-9.-]*[a-z0-9]|[a-z0-9])`)
	notNamespaces  = map[string]bool{"the": true, "all": true, "cluster": true, "my": true, "this": true, "namespace": true, "namespaces": true}
)

// extractNamespace finds a namespace named in a question.
func extractNamespace(q string) string {
	for _, m := range namespaceRegex.FindAllStringSubmatch(q, -1) {
		ns := strings.ToLower(m[1])
		if !notNamespaces[ns] {
			return ns
		}
	}
	return ""
}

// Route picks the tool a question asks for by keyword, with its arguments.
// It returns nil when no tool applies.
func (tb *Toolbox) Route(question string) (ClusterTool, map[string]any) {
	q := strings.ToLower(question)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(q, w) {
				return true
			}
		}
		return false
	}
	args := map[string]any{"namespace": extractNamespace(question)}

	switch {
	case has("pod") && has("cpu", "memory", "utilization", "usage", "resources"):
		return tb.tools["pods_utilization"], args
	case has("workload", "deployment", "statefulset", "daemonset"):
		return tb.tools["workloads_list"], args
	case has("namespaces", "projects"):
		return tb.tools["namespaces_list"], map[string]any{}
	}
	return nil, nil
}

// SampleLister serves a fixed cluster for running without Kubernetes.
type SampleLister struct{}

var _ resource.Lister = SampleLister{}

var (
	sampleNamespaces = []resource.NamespaceSummary{
		{Name: "default", Status: "Active"},
		{Name: "openshift-monitoring", Status: "Active"},
		{Name: "shop", Status: "Active"},
	}
	sampleWorkloads = []resource.WorkloadSummary{
		{Kind: "Deployment", Name: "frontend", Namespace: "shop", Ready: 3, Replicas: 3},
		{Kind: "Deployment", Name: "checkout", Namespace: "shop", Ready: 1, Replicas: 2},
		{Kind: "StatefulSet", Name: "prometheus-k8s", Namespace: "openshift-monitoring", Ready: 2, Replicas: 2},
	}
	samplePods = []resource.PodSummary{
		{Name: "frontend-7d9c-abcde", Namespace: "shop", CPU: "250m", Memory: "256Mi", Status: "Running"},
		{Name: "checkout-5f6b-fghij", Namespace: "shop", CPU: "500m", Memory: "512Mi", Status: "Running"},
		{Name: "checkout-5f6b-klmno", Namespace: "shop", CPU: "500m", Memory: "512Mi", Status: "Pending"},
		{Name: "prometheus-k8s-0", Namespace: "openshift-monitoring", CPU: "1", Memory: "2Gi", Status: "Running"},
	}
)

func (SampleLister) Namespaces(context.Context) ([]resource.NamespaceSummary, error) {
	return append([]resource.NamespaceSummary(nil), sampleNamespaces...), nil
}

func (SampleLister) Workloads(_ context.Context, namespace string) ([]resource.WorkloadSummary, error) {
	out := []resource.WorkloadSummary{}
	for _, w := range sampleWorkloads {
		if namespace == "" || w.Namespace == namespace {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace+"/"+out[i].Name < out[j].Namespace+"/"+out[j].Name })
	return out, nil
}

func (SampleLister) Pods(_ context.Context, namespace string) ([]resource.PodSummary, error) {
	out := []resource.PodSummary{}
	for _, p := range samplePods {
		if namespace == "" || p.Namespace == namespace {
			out = append(out, p)
		}
	}
	return out, nil
}

// invokeLogged runs a tool and logs its duration.
func invokeLogged(ctx context.Context, t ClusterTool, args map[string]any) (string, json.RawMessage, error) {
	logger := toolsLogger.WithFields(logrus.Fields{"tool": t.Name(), "args": args})
	logger.Info("Cluster tool called")
	start := time.Now()
	text, data, err := t.Invoke(ctx, args)
	if err != nil {
		logger.WithError(err).WithField("duration", time.Since(start)).Error("Cluster tool failed")
		return "", nil, err
	}
	logger.WithField("duration", time.Since(start)).Info("Cluster tool completed")
	return text, data, nil
}

const podsAppHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Pod utilization</title>
<style>
body { font-family: sans-serif; margin: 8px; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ccc; }
.Pending { color: #b36b00; }
</style>
</head>
<body>
<h3>Pod utilization</h3>
<table><thead><tr><th>Pod</th><th>Namespace</th><th>CPU</th><th>Memory</th><th>Status</th></tr></thead>
<tbody id="rows"><tr><td colspan="5">Waiting for data...</td></tr></tbody></table>
<script>
let nextId = 1;
function send(msg) { window.parent.postMessage(Object.assign({ jsonrpc: "2.0" }, msg), "*"); }
function resize() { send({ method: "ui/notifications/size-changed", params: { height: document.body.scrollHeight } }); }
function render(result) {
  const pods = (result && result.structuredContent && result.structuredContent.pods) || [];
  const rows = document.getElementById("rows");
  rows.innerHTML = "";
  for (const p of pods) {
    const tr = document.createElement("tr");
    for (const v of [p.name, p.namespace, p.cpu, p.memory, p.status]) {
      const td = document.createElement("td");
      td.textContent = v || "";
      tr.appendChild(td);
    }
    tr.className = p.status || "";
    rows.appendChild(tr);
  }
  resize();
}
window.addEventListener("message", (event) => {
  const msg = event.data || {};
  if (msg.id === 1 && msg.result) {
    if (msg.result.hostContext && msg.result.hostContext.theme === "dark") {
      document.body.style.background = "#1b1d21";
      document.body.style.color = "#e0e0e0";
    }
    send({ method: "ui/notifications/initialized", params: {} });
  } else if (msg.method === "ui/notifications/tool-result") {
    render(msg.params);
  }
});
send({ id: nextId++, method: "ui/initialize", params: { appInfo: { name: "pods-utilization", version: "1.0.0" } } });
</script>
</body>
</html>
`
