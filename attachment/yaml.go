/*
Package attachment provides YAML rendering helpers for attachment values.

Resource YAML is rendered from the generic object map a Kubernetes client
returns. The full rendering drops server-side bookkeeping (managed fields);
the filtered rendering keeps only what is useful to diagnose a resource:
its kind, name, namespace and status.
*/
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidYAML = errors.New("invalid YAML")
	ErrTooLarge    = errors.New("attachment too large")
)

// Event is a cluster event reduced to the fields attached to a prompt.
type Event struct {
	Type          string `yaml:"type" json:"type"`
	Reason        string `yaml:"reason" json:"reason"`
	Message       string `yaml:"message" json:"message"`
	Count         int32  `yaml:"count,omitempty" json:"count,omitempty"`
	LastTimestamp string `yaml:"lastTimestamp,omitempty" json:"lastTimestamp,omitempty"`
}

func encodeYAML(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode yaml: %w", err)
	}
	return buf.String(), nil
}

// RenderYAML renders a resource object as YAML without metadata.managedFields.
// The input map is not modified.
func RenderYAML(obj map[string]any) (string, error) {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		clean := make(map[string]any, len(md))
		for k, v := range md {
			if k == "managedFields" {
				continue
			}
			clean[k] = v
		}
		out["metadata"] = clean
	}
	return encodeYAML(out)
}

// RenderFilteredYAML renders only kind, metadata.name, metadata.namespace and
// status of a resource object.
func RenderFilteredYAML(obj map[string]any) (string, error) {
	out := map[string]any{}
	if kind, ok := obj["kind"]; ok {
		out["kind"] = kind
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		meta := map[string]any{}
		if name, ok := md["name"]; ok {
			meta["name"] = name
		}
		if ns, ok := md["namespace"]; ok {
			meta["namespace"] = ns
		}
		out["metadata"] = meta
	}
	if status, ok := obj["status"]; ok {
		out["status"] = status
	}
	return encodeYAML(out)
}

// RenderEvents renders events as a YAML list. An empty list renders as "[]".
func RenderEvents(events []Event) (string, error) {
	if len(events) == 0 {
		return "[]\n", nil
	}
	return encodeYAML(events)
}

// ValidateUpload checks user-supplied YAML before it is attached.
//
// Parameters:
//   - text: The uploaded document
//   - maxSize: Maximum length in characters; non-positive disables the check
//
// Returns:
//   - string: The kind declared by the document, when present
//   - error: ErrTooLarge or ErrInvalidYAML wrapped with detail
func ValidateUpload(text string, maxSize int) (string, error) {
	if n := utf8.RuneCountInString(text); maxSize > 0 && n > maxSize {
		return "", fmt.Errorf("%w: %d characters exceeds limit of %d", ErrTooLarge, n, maxSize)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: document is empty", ErrInvalidYAML)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	kind, _ := doc["kind"].(string)
	return kind, nil
}
