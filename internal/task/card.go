package task

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// knownFields enumerates the header keys Task understands; everything
// else round-trips through Extra.
var knownFields = map[string]bool{
	"id": true, "project": true, "title": true, "status": true, "priority": true,
	"routing": true, "lease": true, "dependsOn": true, "parentId": true,
	"createdAt": true, "updatedAt": true, "lastTransitionAt": true, "createdBy": true,
	"metadata": true, "gate": true, "requiredRunbook": true, "instructionsRef": true,
	"guidanceRef": true, "sla": true, "contentHash": true,
}

// ParseCard parses a task card: a YAML header fenced by "---" lines
// followed by a markdown body. Unknown header keys are preserved in
// Task.Extra so re-serializing never drops data.
func ParseCard(data []byte) (*Task, error) {
	text := string(data)
	lines := strings.SplitN(text, "\n", -1)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != fence {
		return nil, fmt.Errorf("task: card must start with %q fence", fence)
	}

	endIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == fence {
			endIdx = i
			break
		}
	}
	if endIdx == -1 {
		return nil, fmt.Errorf("task: card missing closing %q fence", fence)
	}

	headerText := strings.Join(lines[1:endIdx], "\n")
	body := strings.Join(lines[endIdx+1:], "\n")
	body = strings.TrimPrefix(body, "\n")

	raw := map[string]any{}
	if strings.TrimSpace(headerText) != "" {
		if err := yaml.Unmarshal([]byte(headerText), &raw); err != nil {
			return nil, fmt.Errorf("task: parse header: %w", err)
		}
	}

	t := &Task{Body: body, Extra: map[string]any{}}

	// Round-trip through YAML for the known fields by re-marshalling just
	// those keys into the typed struct; unknown keys are copied verbatim.
	known := map[string]any{}
	for k, v := range raw {
		if knownFields[k] {
			known[k] = v
		} else {
			t.Extra[k] = v
		}
	}
	knownBytes, err := yaml.Marshal(known)
	if err != nil {
		return nil, fmt.Errorf("task: re-marshal known fields: %w", err)
	}
	if err := yaml.Unmarshal(knownBytes, t); err != nil {
		return nil, fmt.Errorf("task: decode known fields: %w", err)
	}

	return t, nil
}

// Serialize renders the task back to its card form: YAML header fence
// followed by the markdown body, including any preserved unknown fields.
func (t *Task) Serialize() ([]byte, error) {
	knownBytes, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("task: marshal known fields: %w", err)
	}
	merged := map[string]any{}
	if err := yaml.Unmarshal(knownBytes, &merged); err != nil {
		return nil, fmt.Errorf("task: flatten known fields: %w", err)
	}
	for k, v := range t.Extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headerBytes, err := yaml.Marshal(orderedHeader(keys, merged))
	if err != nil {
		return nil, fmt.Errorf("task: marshal header: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fence)
	sb.WriteString("\n")
	sb.Write(headerBytes)
	sb.WriteString(fence)
	sb.WriteString("\n")
	if t.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(t.Body)
		if !strings.HasSuffix(t.Body, "\n") {
			sb.WriteString("\n")
		}
	}
	return []byte(sb.String()), nil
}

// orderedHeader produces a yaml.Node that preserves a deterministic key
// order (sorted), since a plain map does not guarantee one.
func orderedHeader(keys []string, merged map[string]any) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
		valNode := &yaml.Node{}
		_ = valNode.Encode(merged[k])
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node
}
