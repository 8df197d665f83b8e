// Package delegation keeps the parent-child task linkage visible in
// the filesystem: a regenerable, idempotent projection, never
// authoritative (spec.md §4.4). Grounded on the teacher's
// internal/app/scheduler store-hook wiring style (a component
// registering a callback on another component's mutation path) and
// filestore.AtomicWrite for the pointer files themselves.
package delegation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/taskforge/taskforge/internal/filestore"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// Synchronizer rebuilds every parent's subtasks/ pointer set from the
// current parentId linkage.
type Synchronizer struct {
	store *taskstore.Store
	log   logging.Logger
}

// New returns a Synchronizer over store.
func New(store *taskstore.Store, log logging.Logger) *Synchronizer {
	return &Synchronizer{store: store, log: logging.OrNop(log)}
}

// Hook adapts SyncAll to the taskstore.Hook signature, suitable for
// taskstore.Store.RegisterHook (spec.md §4.2, "Store hooks").
func (s *Synchronizer) Hook() taskstore.Hook {
	return func(prev, next *task.Task) {
		if err := s.SyncAll(); err != nil {
			s.log.Warn("delegation: sync after transition of %s failed: %v", next.ID, err)
		}
	}
}

// SyncAll rebuilds {parent -> [child]} from every task's parentId and
// regenerates each parent's subtasks/ pointer set to match.
func (s *Synchronizer) SyncAll() error {
	tasks, err := s.store.List(taskstore.ListFilter{})
	if err != nil {
		return fmt.Errorf("delegation: list tasks: %w", err)
	}

	children := map[string][]*task.Task{}
	for _, t := range tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}

	for parentID, kids := range children {
		if err := s.syncParent(parentID, kids); err != nil {
			s.log.Warn("delegation: sync parent %s: %v", parentID, err)
		}
	}
	return nil
}

func (s *Synchronizer) syncParent(parentID string, kids []*task.Task) error {
	if _, err := s.store.Get(parentID); err != nil {
		return fmt.Errorf("parent %s: %w", parentID, err)
	}
	parentWorkDir, err := s.store.WorkingDir(parentID)
	if err != nil {
		return err
	}
	subtasksDir := filepath.Join(parentWorkDir, "subtasks")
	if err := os.MkdirAll(subtasksDir, 0o755); err != nil {
		return err
	}

	sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })

	wanted := map[string]bool{}
	for _, kid := range kids {
		wanted[kid.ID] = true
		if err := s.writePointer(subtasksDir, kid); err != nil {
			s.log.Warn("delegation: write pointer for child %s: %v", kid.ID, err)
		}
	}
	return s.pruneOrphans(subtasksDir, wanted)
}

// writePointer writes subtasksDir/<child.ID>.md, skipping the write
// entirely when the rendered content already matches what's on disk
// (spec.md §4.4, "Writes are skipped when the serialized content
// matches the existing file").
func (s *Synchronizer) writePointer(subtasksDir string, kid *task.Task) error {
	cardPath, err := s.store.CardPath(kid.ID)
	if err != nil {
		return err
	}
	pointerPath := filepath.Join(subtasksDir, kid.ID+".md")
	content := renderPointer(kid, subtasksDir, cardPath)

	existing, err := filestore.ReadFileOrEmpty(pointerPath)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, content) {
		return nil
	}
	return filestore.AtomicWrite(pointerPath, content, 0o644)
}

func renderPointer(kid *task.Task, subtasksDir, cardPath string) []byte {
	rel, err := filepath.Rel(subtasksDir, cardPath)
	if err != nil {
		rel = cardPath
	}
	handoffRel := filepath.Join(filepath.Dir(rel), kid.ID, "inputs", "handoff.json")

	agent := ""
	if kid.Routing != nil {
		agent = kid.Routing.Agent
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "id: %s\n", kid.ID)
	fmt.Fprintf(&sb, "title: %s\n", kid.Title)
	fmt.Fprintf(&sb, "status: %s\n", kid.Status)
	fmt.Fprintf(&sb, "priority: %s\n", kid.Priority)
	fmt.Fprintf(&sb, "agent: %s\n", agent)
	fmt.Fprintf(&sb, "parentId: %s\n", kid.ParentID)
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "- card: %s\n", filepath.ToSlash(rel))
	fmt.Fprintf(&sb, "- handoff: %s\n", filepath.ToSlash(handoffRel))
	return []byte(sb.String())
}

// pruneOrphans removes every pointer file under subtasksDir whose id
// is not in wanted.
func (s *Synchronizer) pruneOrphans(subtasksDir string, wanted map[string]bool) error {
	entries, err := os.ReadDir(subtasksDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		if wanted[id] {
			continue
		}
		if err := os.Remove(filepath.Join(subtasksDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
