package devbackend

import (
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/tools"

	"lightspeed/attachment"
)

const systemTemplate = `Today is {{.today}}.
You are OpenShift Lightspeed, an assistant for questions about OpenShift and Kubernetes clusters.

GUIDELINES:
- Answer concisely and prefer concrete commands and YAML over prose
- When the user attached cluster resources, ground the answer in them
- Do NOT use custom tags like <think> or <reasoning> in the answer
- If a tool result is provided, summarize it rather than repeating it verbatim

Available tools:
{{.tool_descriptions}}
{{- if .attachments}}

The user attached the following resources:
{{.attachments}}
{{- end}}`

// newSystemPrompt builds the system prompt template. Tool descriptions are
// bound as partials; today and attachments are supplied per request.
func newSystemPrompt(toolList []tools.Tool) prompts.PromptTemplate {
	return prompts.PromptTemplate{
		Template:       systemTemplate,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		InputVariables: []string{"today", "attachments"},
		PartialVariables: map[string]any{
			"tool_descriptions": toolDescriptions(toolList),
		},
	}
}

func toolDescriptions(toolList []tools.Tool) string {
	if len(toolList) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(toolList))
	for _, tool := range toolList {
		lines = append(lines, fmt.Sprintf("- %s: %s", tool.Name(), tool.Description()))
	}
	return strings.Join(lines, "\n")
}

// describeAttachments renders attachments as labelled blocks for the model.
func describeAttachments(list []attachment.Outgoing) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	for i, a := range list {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- %s %s", a.Kind, a.Name)
		if a.Namespace != "" {
			fmt.Fprintf(&b, " (namespace %s)", a.Namespace)
		}
		fmt.Fprintf(&b, " [%s] ---\n%s\n", a.AttachmentType, strings.TrimRight(a.Value, "\n"))
	}
	return b.String()
}

// renderSystemPrompt formats the system prompt for one request.
func renderSystemPrompt(tpl prompts.PromptTemplate, list []attachment.Outgoing, now time.Time) (string, error) {
	return tpl.Format(map[string]any{
		"today":       now.Format("January 2, 2006"),
		"attachments": describeAttachments(list),
	})
}
