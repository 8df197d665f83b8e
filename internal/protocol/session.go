package protocol

import (
	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/runartifact"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// HandleSessionEnd scans rt's in-progress tasks for a pending
// run_result.json and applies whichever one it finds, finalizing any
// task whose agent session ended without sending a completion.report
// envelope (spec.md §4.7, "Session end hook").
func (r *Router) HandleSessionEnd(rt *registry.ProjectRuntime) {
	status := task.StatusInProgress
	tasks, err := rt.Store.List(taskstore.ListFilter{Status: &status})
	if err != nil {
		r.log.Warn("protocol: session end scan failed: %v", err)
		return
	}
	for _, t := range tasks {
		r.applyPendingResult(rt, t)
	}
}

func (r *Router) applyPendingResult(rt *registry.ProjectRuntime, t *task.Task) {
	_ = r.locks.withLock(t.ID, func() error {
		workDir, err := rt.Store.WorkingDir(t.ID)
		if err != nil {
			return nil
		}
		result, err := runartifact.ReadResult(workDir)
		if err != nil || result == nil {
			return nil
		}

		switch result.Outcome {
		case "success":
			if _, err := rt.Store.Complete(t.ID, taskstore.CompleteOptions{Reason: "session_end", ViaReview: r.cfg.ReviewRequired}); err != nil {
				r.log.Warn("protocol: session end complete %s failed: %v", t.ID, err)
				return nil
			}
		case "failure":
			if _, err := rt.Store.Block(t.ID, "session ended with a failed run result"); err != nil {
				r.log.Warn("protocol: session end block %s failed: %v", t.ID, err)
				return nil
			}
		default:
			return nil
		}

		rt.Events.Append(eventlog.Event{
			Type:    "session.result_applied",
			TaskID:  t.ID,
			Payload: map[string]any{"outcome": result.Outcome},
		})
		return nil
	})
}
