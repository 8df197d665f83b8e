package delegation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/filestore"
)

// Handoff is the structured delegation payload a handoff.request
// envelope carries (spec.md §4.4, "Handoff artifacts").
type Handoff struct {
	ParentTaskID       string     `json:"parentTaskId"`
	ChildTaskID        string     `json:"childTaskId"`
	ToAgent            string     `json:"toAgent,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	ExpectedOutputs    []string   `json:"expectedOutputs,omitempty"`
	ContextRefs        []string   `json:"contextRefs,omitempty"`
	Constraints        []string   `json:"constraints,omitempty"`
	DueBy              *time.Time `json:"dueBy,omitempty"`
}

// WriteHandoffArtifacts writes inputs/handoff.json and
// inputs/handoff.md under childWorkDir.
func WriteHandoffArtifacts(childWorkDir string, h *Handoff) error {
	jsonData, err := filestore.MarshalJSONIndent(h)
	if err != nil {
		return err
	}
	if err := filestore.AtomicWrite(filepath.Join(childWorkDir, "inputs", "handoff.json"), jsonData, 0o644); err != nil {
		return err
	}
	return filestore.AtomicWrite(filepath.Join(childWorkDir, "inputs", "handoff.md"), renderHandoffMD(h), 0o644)
}

func renderHandoffMD(h *Handoff) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Handoff from %s\n\n", h.ParentTaskID)
	if h.ToAgent != "" {
		fmt.Fprintf(&sb, "Assigned to: %s\n\n", h.ToAgent)
	}
	if h.DueBy != nil {
		fmt.Fprintf(&sb, "Due by: %s\n\n", h.DueBy.UTC().Format(time.RFC3339))
	}
	writeSection(&sb, "Acceptance criteria", h.AcceptanceCriteria)
	writeSection(&sb, "Expected outputs", h.ExpectedOutputs)
	writeSection(&sb, "Context", h.ContextRefs)
	writeSection(&sb, "Constraints", h.Constraints)
	return []byte(sb.String())
}

func writeSection(sb *strings.Builder, title string, items []string) {
	fmt.Fprintf(sb, "## %s\n\n", title)
	if len(items) == 0 {
		sb.WriteString("(none)\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
	sb.WriteString("\n")
}
