package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/runartifact"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// statusUpdatePayload is the status.update envelope payload (spec.md
// §4.7).
type statusUpdatePayload struct {
	Status        string   `json:"status,omitempty"`
	Blockers      []string `json:"blockers,omitempty"`
	WorkLog       string   `json:"workLog,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	CascadeBlocks *bool    `json:"cascadeBlocks,omitempty"`
}

func (r *Router) handleStatusUpdate(rt *registry.ProjectRuntime, t *task.Task, env *Envelope) (*Result, error) {
	if !r.isAuthorized(rt, t, env.FromAgent) {
		return r.reject(rt, t, env, "unauthorized")
	}

	var payload statusUpdatePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return nil, err
	}

	if payload.WorkLog != "" {
		body := strings.TrimRight(t.Body, "\n")
		if body != "" {
			body += "\n\n"
		}
		body += fmt.Sprintf("## Work log %s\n\n%s\n", time.Now().UTC().Format(time.RFC3339), payload.WorkLog)
		updated, err := rt.Store.UpdateBody(t.ID, body)
		if err != nil {
			return nil, err
		}
		t = updated
	}

	moved := false
	if payload.Status != "" {
		next := task.Status(payload.Status)
		if next != t.Status {
			reason := "status.update"
			if len(payload.Blockers) > 0 {
				reason = strings.Join(payload.Blockers, "; ")
			}
			updated, err := rt.Store.Transition(t.ID, next, taskstore.TransitionOptions{Agent: env.FromAgent, Reason: reason})
			if err != nil {
				return nil, err
			}
			t = updated
			moved = true

			cascade := r.cfg.CascadeBlocks
			if payload.CascadeBlocks != nil {
				cascade = *payload.CascadeBlocks
			}
			if cascade && next == task.StatusBlocked {
				cascadeBlocks(rt.Store, rt.Events, t.ID)
			}
		}
	}

	return &Result{
		Summary: fmt.Sprintf("task %s updated", t.ID),
		Meta:    map[string]any{"taskId": t.ID, "status": string(t.Status), "moved": moved},
	}, nil
}

// completionReportPayload is the completion.report envelope payload
// (spec.md §4.7).
type completionReportPayload struct {
	Outcome      string   `json:"outcome"` // complete | needs_review | blocked
	SummaryRef   string   `json:"summaryRef,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Tests        []string `json:"tests,omitempty"`
	Blockers     []string `json:"blockers,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

func (r *Router) handleCompletionReport(rt *registry.ProjectRuntime, t *task.Task, env *Envelope) (*Result, error) {
	if !r.isAuthorized(rt, t, env.FromAgent) {
		return r.reject(rt, t, env, "unauthorized")
	}

	var payload completionReportPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return nil, err
	}

	workDir, err := rt.Store.WorkingDir(t.ID)
	if err != nil {
		return nil, err
	}
	runOutcome := "success"
	if payload.Outcome == "blocked" {
		runOutcome = "failure"
	}
	if err := runartifact.WriteResult(workDir, &runartifact.Result{
		TaskID:       t.ID,
		Outcome:      runOutcome,
		SummaryRef:   payload.SummaryRef,
		Deliverables: payload.Deliverables,
		Tests:        payload.Tests,
		Blockers:     payload.Blockers,
		Notes:        payload.Notes,
	}); err != nil {
		return nil, err
	}

	var final *task.Task
	switch payload.Outcome {
	case "complete":
		final, err = rt.Store.Complete(t.ID, taskstore.CompleteOptions{Agent: env.FromAgent, Reason: "completion.report", ViaReview: r.cfg.ReviewRequired})
	case "needs_review":
		final, err = rt.Store.Transition(t.ID, task.StatusReview, taskstore.TransitionOptions{Agent: env.FromAgent, Reason: "completion.report"})
	case "blocked":
		final, err = rt.Store.Block(t.ID, strings.Join(payload.Blockers, "; "))
	default:
		return nil, taskerr.New(taskerr.KindValidation, "protocol.completion.report", fmt.Errorf("unknown outcome %q", payload.Outcome))
	}
	if err != nil {
		return nil, err
	}

	rt.Events.Append(eventlog.Event{
		Type:   "task.completed",
		TaskID: t.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"outcome": payload.Outcome,
			"status":  string(final.Status),
		},
	})

	return &Result{
		Summary: fmt.Sprintf("task %s reported %s", t.ID, payload.Outcome),
		Meta:    map[string]any{"taskId": t.ID, "status": string(final.Status)},
	}, nil
}
