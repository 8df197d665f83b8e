package taskstore

import (
	"fmt"
	"os"

	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/task"
)

// TransitionOptions customise a single transition call.
type TransitionOptions struct {
	Reason string
	Agent  string
}

// Transition moves id to toStatus, enforcing the lifecycle matrix and
// relocating the card (and working directory, if any) between status
// directories (spec.md §4.2, "Atomic write rule").
func (s *Store) Transition(id string, to task.Status, opts TransitionOptions) (*task.Task, error) {
	var result *task.Task
	err := s.locks.withLock(id, func() error {
		from, err := s.locate(id)
		if err != nil {
			return err
		}
		if from.IsTerminal() {
			return taskerr.New(taskerr.KindPermanent, "taskstore.Transition", &task.ErrTerminal{Status: from})
		}
		if !task.CanTransition(from, to) {
			return taskerr.New(taskerr.KindValidation, "taskstore.Transition", &task.ErrIllegalTransition{From: from, To: to})
		}

		prev, err := s.readCard(from, id)
		if err != nil {
			return err
		}
		next := *prev
		next.Status = to
		next.UpdatedAt = s.clock()
		next.LastTransitionAt = s.clock()
		if to == task.StatusCancelled {
			next.Lease = nil
		}

		if err := s.relocate(from, to, &next); err != nil {
			return err
		}

		s.emit(eventTypeForTransition(to), id, opts.Agent, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": opts.Reason,
		})
		s.runHooks(prev, &next)
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func eventTypeForTransition(to task.Status) string {
	switch to {
	case task.StatusCancelled:
		return "task.cancelled"
	case task.StatusBlocked:
		return "task.blocked"
	default:
		return "task.transitioned"
	}
}

// relocate writes next's card into the `to` status directory, removes
// the stale card from `from`, and renames the working directory (if
// any) across the boundary. Caller must hold the per-id lock.
func (s *Store) relocate(from, to task.Status, next *task.Task) error {
	if from == to {
		return s.writeCard(to, next)
	}
	if err := s.writeCard(to, next); err != nil {
		return err
	}
	oldCard := s.cardPath(from, next.ID)
	if err := os.Remove(oldCard); err != nil && !os.IsNotExist(err) {
		return taskerr.New(taskerr.KindTransient, "taskstore.relocate", fmt.Errorf("remove stale card: %w", err))
	}

	oldWork := s.workDir(from, next.ID)
	if _, err := os.Stat(oldWork); err == nil {
		newWork := s.workDir(to, next.ID)
		if err := os.Rename(oldWork, newWork); err != nil {
			return taskerr.New(taskerr.KindTransient, "taskstore.relocate", fmt.Errorf("rename working dir: %w", err))
		}
	}

	s.mu.Lock()
	s.index[next.ID] = to
	s.mu.Unlock()
	return nil
}

func (s *Store) runHooks(prev, next *task.Task) {
	s.mu.RLock()
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(prev, next)
	}
}

// Cancel transitions id to cancelled, clearing any lease. Already
// terminal tasks report an error.
func (s *Store) Cancel(id, reason string) (*task.Task, error) {
	return s.Transition(id, task.StatusCancelled, TransitionOptions{Reason: reason})
}

// Block transitions id to blocked.
func (s *Store) Block(id, reason string) (*task.Task, error) {
	return s.Transition(id, task.StatusBlocked, TransitionOptions{Reason: reason})
}

// Unblock transitions a blocked task back to ready.
func (s *Store) Unblock(id string) (*task.Task, error) {
	return s.Transition(id, task.StatusReady, TransitionOptions{Reason: "unblocked"})
}

// CompleteOptions customise a guided completion.
type CompleteOptions struct {
	Reason    string
	Agent     string
	ViaReview bool
}

// Complete walks the task through every legal intermediate stop to
// `done`, recording one transition event per hop, so an agent
// completing a task from a pre-review status still leaves a complete
// audit trail (spec.md §4.2, "Lifecycle-guarded completion").
func (s *Store) Complete(id string, opts CompleteOptions) (*task.Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	path, err := task.LifecyclePath(t.Status, opts.ViaReview)
	if err != nil {
		return nil, taskerr.New(taskerr.KindPermanent, "taskstore.Complete", err)
	}
	var last *task.Task
	for _, hop := range path {
		last, err = s.Transition(id, hop, TransitionOptions{Reason: opts.Reason, Agent: opts.Agent})
		if err != nil {
			return nil, err
		}
	}
	return last, nil
}

// Patch is an atomic partial update to a task's non-lifecycle fields.
type Patch struct {
	Title    *string
	Priority *task.Priority
	Routing  *task.Routing
	Metadata map[string]any
}

// Update applies patch to id in place (same status, no file move).
// Terminal tasks reject the update.
func (s *Store) Update(id string, patch Patch) (*task.Task, error) {
	var result *task.Task
	err := s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		t, err := s.readCard(status, id)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return taskerr.New(taskerr.KindPermanent, "taskstore.Update", &task.ErrTerminal{Status: t.Status})
		}

		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		if patch.Routing != nil {
			t.Routing = patch.Routing
		}
		for k, v := range patch.Metadata {
			t.EnsureMetadata()[k] = v
		}
		t.UpdatedAt = s.clock()

		if err := s.writeCard(status, t); err != nil {
			return err
		}
		s.emit("task.updated", id, "", map[string]any{"fields": patchedFields(patch)})
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func patchedFields(p Patch) []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Priority != nil {
		fields = append(fields, "priority")
	}
	if p.Routing != nil {
		fields = append(fields, "routing")
	}
	if len(p.Metadata) > 0 {
		fields = append(fields, "metadata")
	}
	return fields
}

// UpdateBody replaces id's markdown body and recomputes its content
// hash. Terminal tasks reject the update.
func (s *Store) UpdateBody(id, body string) (*task.Task, error) {
	var result *task.Task
	err := s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		t, err := s.readCard(status, id)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return taskerr.New(taskerr.KindPermanent, "taskstore.UpdateBody", &task.ErrTerminal{Status: t.Status})
		}
		t.Body = body
		t.RecomputeContentHash()
		t.UpdatedAt = s.clock()
		if err := s.writeCard(status, t); err != nil {
			return err
		}
		s.emit("task.updated", id, "", map[string]any{"fields": []string{"body"}})
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetLease overwrites id's lease record in place (same status, no file
// move) without touching any other field. Passing nil clears it. Used
// by the lease manager, which owns all lease-shape decisions; the
// store only persists the result (spec.md §4.3).
func (s *Store) SetLease(id string, lease *task.Lease) (*task.Task, error) {
	var result *task.Task
	err := s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		t, err := s.readCard(status, id)
		if err != nil {
			return err
		}
		t.Lease = lease
		t.UpdatedAt = s.clock()
		if err := s.writeCard(status, t); err != nil {
			return err
		}
		s.emit("task.updated", id, "", map[string]any{"fields": []string{"lease"}})
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddDep adds blockerID as a dependency of id, rejecting a missing
// target or a dependency cycle.
func (s *Store) AddDep(id, blockerID string) error {
	return s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		if _, err := s.Get(blockerID); err != nil {
			return taskerr.New(taskerr.KindValidation, "taskstore.AddDep", fmt.Errorf("dependency target %q: %w", blockerID, err))
		}
		if s.dependsOnTransitively(blockerID, id, map[string]bool{}) {
			return taskerr.New(taskerr.KindValidation, "taskstore.AddDep", fmt.Errorf("adding %q as a dependency of %q would create a cycle", blockerID, id))
		}

		t, err := s.readCard(status, id)
		if err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			if dep == blockerID {
				return nil // already present
			}
		}
		t.DependsOn = append(t.DependsOn, blockerID)
		t.UpdatedAt = s.clock()
		if err := s.writeCard(status, t); err != nil {
			return err
		}
		s.emit("task.updated", id, "", map[string]any{"fields": []string{"dependsOn"}, "added": blockerID})
		return nil
	})
}

// RemoveDep removes blockerID from id's dependency list.
func (s *Store) RemoveDep(id, blockerID string) error {
	return s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		t, err := s.readCard(status, id)
		if err != nil {
			return err
		}
		out := t.DependsOn[:0]
		for _, dep := range t.DependsOn {
			if dep != blockerID {
				out = append(out, dep)
			}
		}
		t.DependsOn = out
		t.UpdatedAt = s.clock()
		if err := s.writeCard(status, t); err != nil {
			return err
		}
		s.emit("task.updated", id, "", map[string]any{"fields": []string{"dependsOn"}, "removed": blockerID})
		return nil
	})
}

// dependsOnTransitively reports whether target is reachable from id by
// following DependsOn edges, used to reject a cycle before it's
// written (id -> ... -> target means adding target -> id would cycle).
func (s *Store) dependsOnTransitively(id, target string, seen map[string]bool) bool {
	if id == target {
		return true
	}
	if seen[id] {
		return false
	}
	seen[id] = true
	t, err := s.Get(id)
	if err != nil {
		return false
	}
	for _, dep := range t.DependsOn {
		if s.dependsOnTransitively(dep, target, seen) {
			return true
		}
	}
	return false
}
