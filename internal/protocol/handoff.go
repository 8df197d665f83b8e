package protocol

import (
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/delegation"
	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// maxDelegationDepth caps how many hops of delegation a task may carry:
// a parent at depth 0 may hand off, but a parent already at depth 1 is
// rejected, so a grandchild is never created (spec.md §4.7,
// "parentDepth + 1 <= 1").
const maxDelegationDepth = 1

// handoffRequestPayload is the handoff.request envelope payload
// (spec.md §4.7).
type handoffRequestPayload struct {
	TaskID             string     `json:"taskId"`
	ParentTaskID       string     `json:"parentTaskId"`
	ToAgent            string     `json:"toAgent,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	ExpectedOutputs    []string   `json:"expectedOutputs,omitempty"`
	ContextRefs        []string   `json:"contextRefs,omitempty"`
	Constraints        []string   `json:"constraints,omitempty"`
	DueBy              *time.Time `json:"dueBy,omitempty"`
}

func delegationDepth(t *task.Task) int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata["delegationDepth"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (r *Router) handleHandoffRequest(rt *registry.ProjectRuntime, t *task.Task, env *Envelope) (*Result, error) {
	var payload handoffRequestPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return nil, err
	}
	if payload.TaskID != "" && payload.TaskID != env.TaskID {
		return nil, taskerr.New(taskerr.KindValidation, "protocol.handoff.request", fmt.Errorf("payload taskId %q does not match envelope taskId %q", payload.TaskID, env.TaskID))
	}
	if payload.ParentTaskID == "" {
		return nil, taskerr.New(taskerr.KindValidation, "protocol.handoff.request", fmt.Errorf("parentTaskId is required"))
	}

	parent, err := rt.Store.Get(payload.ParentTaskID)
	if err != nil {
		return nil, taskerr.New(taskerr.KindNotFound, "protocol.handoff.request", fmt.Errorf("parent task %q: %w", payload.ParentTaskID, err))
	}

	if depth := delegationDepth(parent); depth+1 > maxDelegationDepth {
		rt.Events.Append(eventlog.Event{
			Type:   "delegation.rejected",
			TaskID: t.ID,
			Actor:  env.FromAgent,
			Payload: map[string]any{
				"reason":       "nested_delegation",
				"parentTaskId": parent.ID,
			},
		})
		return nil, taskerr.New(taskerr.KindValidation, "protocol.handoff.request", fmt.Errorf("nested_delegation: parent %q is already at delegation depth %d", parent.ID, depth))
	}

	routing := task.Routing{}
	if t.Routing != nil {
		routing = *t.Routing
	}
	routing.Agent = payload.ToAgent

	updated, err := rt.Store.Update(t.ID, taskstore.Patch{
		Routing:  &routing,
		Metadata: map[string]any{"delegationDepth": delegationDepth(parent) + 1},
	})
	if err != nil {
		return nil, err
	}

	workDir, err := rt.Store.WorkingDir(t.ID)
	if err != nil {
		return nil, err
	}
	h := &delegation.Handoff{
		ParentTaskID:       parent.ID,
		ChildTaskID:        t.ID,
		ToAgent:            payload.ToAgent,
		AcceptanceCriteria: payload.AcceptanceCriteria,
		ExpectedOutputs:    payload.ExpectedOutputs,
		ContextRefs:        payload.ContextRefs,
		Constraints:        payload.Constraints,
		DueBy:              payload.DueBy,
	}
	if err := delegation.WriteHandoffArtifacts(workDir, h); err != nil {
		return nil, err
	}

	rt.Events.Append(eventlog.Event{
		Type:   "delegation.requested",
		TaskID: t.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"parentTaskId": parent.ID,
			"toAgent":      payload.ToAgent,
		},
	})

	return &Result{
		Summary: fmt.Sprintf("task %s handed off to %s", t.ID, payload.ToAgent),
		Meta:    map[string]any{"taskId": updated.ID, "toAgent": payload.ToAgent},
	}, nil
}

// handoffAckPayload is the shared payload shape for handoff.accepted
// and handoff.rejected.
type handoffAckPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (r *Router) handleHandoffAck(rt *registry.ProjectRuntime, t *task.Task, env *Envelope, accepted bool) (*Result, error) {
	if t.Routing == nil || t.Routing.Agent != env.FromAgent {
		// Only the receiving agent may ack a handoff; the lease-holder
		// and team-lead fallbacks in isAuthorized don't apply here
		// (spec.md §4.7, "Only the assigned (receiving) agent may ack").
		return r.reject(rt, t, env, "unauthorized")
	}

	var payload handoffAckPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return nil, err
	}

	if accepted {
		rt.Events.Append(eventlog.Event{
			Type:   "delegation.accepted",
			TaskID: t.ID,
			Actor:  env.FromAgent,
		})
		return &Result{
			Summary: fmt.Sprintf("task %s handoff accepted by %s", t.ID, env.FromAgent),
			Meta:    map[string]any{"taskId": t.ID},
		}, nil
	}

	updated, err := rt.Store.Block(t.ID, payload.Reason)
	if err != nil {
		return nil, err
	}
	rt.Events.Append(eventlog.Event{
		Type:   "delegation.rejected",
		TaskID: t.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{"reason": payload.Reason},
	})
	return &Result{
		Summary: fmt.Sprintf("task %s handoff rejected by %s", t.ID, env.FromAgent),
		Meta:    map[string]any{"taskId": updated.ID, "status": string(updated.Status)},
	}, nil
}
