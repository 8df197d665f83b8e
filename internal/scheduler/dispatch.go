package scheduler

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/runartifact"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// defaultMaxRetries is used when a Config was built without DefaultConfig
// and left MaxRetries unset.
const defaultMaxRetries = 3

// executeAssign carries out an ActionAssign: acquire the lease, spawn the
// agent, and route the outcome (spec.md §4.6, "Assign execution
// algorithm"). It re-fetches the task before acting so a stale plan never
// double-dispatches a task another poll already claimed.
func (p *Poller) executeAssign(ctx context.Context, taskID string) {
	t, err := p.store.Get(taskID)
	if err != nil {
		return
	}
	if t.Status != task.StatusReady || t.Lease.Active(p.clock()) || t.Routing == nil || t.Routing.Agent == "" {
		p.events.Append(eventlog.Event{Type: "dispatch.deduped", TaskID: taskID, Payload: map[string]any{"action": "assign"}})
		return
	}
	agent := t.Routing.Agent
	team := t.Routing.Team
	p.breakers.allowTrial(team)

	correlationID := uuid.NewString()
	p.events.Append(eventlog.Event{
		Type:   "action.started",
		TaskID: taskID,
		Actor:  agent,
		Payload: map[string]any{"action": "assign", "correlationId": correlationID},
	})

	leased, err := p.leases.Acquire(taskID, agent, p.cfg.DefaultLeaseTTL)
	if err != nil {
		p.log.Warn("scheduler: assign %s: acquire lease failed: %v", taskID, err)
		return
	}

	if _, err := p.store.Update(taskID, taskstore.Patch{Metadata: map[string]any{"correlationId": correlationID}}); err != nil {
		p.log.Warn("scheduler: assign %s: persist correlation id failed: %v", taskID, err)
	}

	cardPath, err := p.store.CardPath(taskID)
	if err != nil {
		p.log.Warn("scheduler: assign %s: card path: %v", taskID, err)
		return
	}
	workDir, err := p.store.WorkingDir(taskID)
	if err != nil {
		p.log.Warn("scheduler: assign %s: working dir: %v", taskID, err)
		return
	}

	root := p.store.Root()
	relpath, err := filepath.Rel(root, cardPath)
	if err != nil {
		relpath = cardPath
	}

	var gateContext string
	if leased.Gate != nil {
		gateContext = leased.Gate.Name
		if leased.Gate.Description != "" {
			gateContext += ": " + leased.Gate.Description
		}
	}

	tc := executor.TaskContext{
		TaskID:      taskID,
		TaskPath:    cardPath,
		Agent:       agent,
		Priority:    leased.Priority,
		Routing:     leased.Routing,
		ProjectID:   filepath.Base(root),
		ProjectRoot: root,
		TaskRelpath: relpath,
		GateContext: gateContext,
	}

	spawnCtx := ctx
	if p.cfg.SpawnTimeout > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, p.cfg.SpawnTimeout)
		defer cancel()
	}

	result, spawnErr := p.exec.Spawn(spawnCtx, tc, executor.SpawnOptions{
		Timeout:       p.cfg.SpawnTimeout,
		CorrelationID: correlationID,
	})
	timedOut := errors.Is(spawnCtx.Err(), context.DeadlineExceeded)

	switch {
	case spawnErr == nil && result.Success:
		p.breakers.RecordSuccess(team)
		p.onDispatchSuccess(ctx, taskID, agent, correlationID, workDir, result)
	case spawnErr == nil && result.PlatformLimit != nil:
		p.onPlatformLimit(taskID, agent, correlationID, *result.PlatformLimit)
	default:
		errMsg := result.Error
		if spawnErr != nil {
			errMsg = spawnErr.Error()
		}
		p.breakers.RecordFailure(team, p.clock())
		p.onDispatchFailure(taskID, agent, correlationID, errMsg, timedOut)
	}
}

// onDispatchSuccess persists the session, starts the lease renewal loop,
// and records the team's dispatch time for the poll loop's throttle.
func (p *Poller) onDispatchSuccess(ctx context.Context, taskID, agent, correlationID, workDir string, result executor.SpawnResult) {
	now := p.clock()
	run := &runartifact.Run{TaskID: taskID, AgentID: agent, StartedAt: now, Status: runartifact.RunRunning}
	if err := runartifact.WriteRun(workDir, run); err != nil {
		p.log.Warn("scheduler: assign %s: write run.json failed: %v", taskID, err)
	}

	if t, err := p.store.Update(taskID, taskstore.Patch{Metadata: map[string]any{"sessionId": result.SessionID}}); err == nil {
		if t.Routing != nil && t.Routing.Team != "" {
			p.mu.Lock()
			p.teamLastDispatch[t.Routing.Team] = now
			p.mu.Unlock()
		}
	} else {
		p.log.Warn("scheduler: assign %s: persist session id failed: %v", taskID, err)
	}

	p.leases.StartRenewalLoop(ctx, taskID, agent, p.cfg.DefaultLeaseTTL)

	p.events.Append(eventlog.Event{
		Type:    "dispatch.matched",
		TaskID:  taskID,
		Actor:   agent,
		Payload: map[string]any{"sessionId": result.SessionID, "correlationId": correlationID},
	})
	p.events.Append(eventlog.Event{
		Type:    "action.completed",
		TaskID:  taskID,
		Actor:   agent,
		Payload: map[string]any{"action": "assign", "success": true},
	})
}

// onPlatformLimit lowers the effective concurrency ceiling and releases
// the task back to ready without counting against its retry budget
// (spec.md §4.6, "platform concurrency limit feedback").
func (p *Poller) onPlatformLimit(taskID, agent, correlationID string, limit int) {
	p.mu.Lock()
	if limit < p.effectiveConcurrency {
		p.effectiveConcurrency = limit
	}
	p.mu.Unlock()

	if err := p.leases.Release(taskID, agent); err != nil {
		p.log.Warn("scheduler: assign %s: release lease after platform limit failed: %v", taskID, err)
	}
	if _, err := p.store.Transition(taskID, task.StatusReady, taskstore.TransitionOptions{Reason: "platform_concurrency_limit"}); err != nil {
		p.log.Warn("scheduler: assign %s: reclaim after platform limit failed: %v", taskID, err)
	}

	p.events.Append(eventlog.Event{
		Type:    "concurrency.platform_limit",
		TaskID:  taskID,
		Actor:   agent,
		Payload: map[string]any{"limit": limit, "correlationId": correlationID},
	})
	p.events.Append(eventlog.Event{
		Type:    "action.completed",
		TaskID:  taskID,
		Actor:   agent,
		Payload: map[string]any{"action": "assign", "success": false},
	})
}

// onDispatchFailure classifies the spawn failure and routes the task to
// blocked or deadletter per the taxonomy in spec.md §4.6, escalating to
// deadletter once a task has exhausted its retry budget.
func (p *Poller) onDispatchFailure(taskID, agent, correlationID, errMsg string, timedOut bool) {
	class := taskerr.Classify(errors.New(errMsg), timedOut)

	if err := p.leases.Release(taskID, agent); err != nil {
		p.log.Warn("scheduler: assign %s: release lease after failure failed: %v", taskID, err)
	}

	retryCount := 0
	if t, err := p.store.Get(taskID); err == nil {
		retryCount = retryCountOf(t)
	}

	target := task.StatusDeadletter
	if class != taskerr.ClassPermanent {
		retryCount++
		maxRetries := p.cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultMaxRetries
		}
		target = task.StatusBlocked
		if retryCount >= maxRetries {
			target = task.StatusDeadletter
		}
	}

	if _, err := p.store.Update(taskID, taskstore.Patch{Metadata: map[string]any{
		"retryCount":    retryCount,
		"lastError":     errMsg,
		"errorClass":    string(class),
		"lastBlockedAt": p.clock(),
		"blockReason":   errMsg,
	}}); err != nil {
		p.log.Warn("scheduler: assign %s: persist failure metadata failed: %v", taskID, err)
	}
	if _, err := p.store.Transition(taskID, target, taskstore.TransitionOptions{Reason: "dispatch_failure", Agent: agent}); err != nil {
		p.log.Warn("scheduler: assign %s: transition to %s failed: %v", taskID, target, err)
	}

	p.events.Append(eventlog.Event{
		Type:   "dispatch.error",
		TaskID: taskID,
		Actor:  agent,
		Payload: map[string]any{
			"error":         errMsg,
			"class":         string(class),
			"retryCount":    retryCount,
			"correlationId": correlationID,
		},
	})
	p.events.Append(eventlog.Event{
		Type:    "action.completed",
		TaskID:  taskID,
		Actor:   agent,
		Payload: map[string]any{"action": "assign", "success": false},
	})
}

// retryCountOf reads the retryCount metadata field. A Patch and a YAML
// reload both leave an int there; a float64 is accepted as well, and any
// other type counts as 0.
func retryCountOf(t *task.Task) int {
	switch v := t.Metadata["retryCount"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
