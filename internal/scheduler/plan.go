package scheduler

import (
	"sort"
	"time"

	"github.com/taskforge/taskforge/internal/task"
)

// Plan is a pure function of state and clock (spec.md §4.5, "Poll loop
// invariants"): given a snapshot and the current time, it returns the
// bounded list of actions this poll should take. It performs no I/O
// and mutates nothing, so the same (snapshot, now, cfg) always
// produces the same plan.
func Plan(snap Snapshot, now time.Time, cfg Config) []Action {
	if len(snap.CorruptTaskIDs) > 0 {
		clean := make([]*task.Task, 0, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if !snap.CorruptTaskIDs[t.ID] {
				clean = append(clean, t)
			}
		}
		snap.Tasks = clean
	}

	var actions []Action

	actions = append(actions, planDependencySatisfied(snap.Tasks)...)
	actions = append(actions, planExpireLease(snap.Tasks, now)...)
	actions = append(actions, planStaleHeartbeat(snap.Tasks, snap.Heartbeats, now)...)
	actions = append(actions, planSLABreach(snap.Tasks, now)...)
	actions = append(actions, planAssign(snap, now, cfg)...)

	return actions
}

func planDependencySatisfied(tasks []*task.Task) []Action {
	done := map[string]bool{}
	for _, t := range tasks {
		if t.Status == task.StatusDone {
			done[t.ID] = true
		}
	}
	var actions []Action
	for _, t := range tasks {
		if t.Status != task.StatusBacklog {
			continue
		}
		if allDependenciesDone(t, done) {
			actions = append(actions, Action{Kind: ActionDependencySatisfied, TaskID: t.ID})
		}
	}
	return actions
}

func allDependenciesDone(t *task.Task, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func planExpireLease(tasks []*task.Task, now time.Time) []Action {
	var actions []Action
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		if t.Lease != nil && !t.Lease.Active(now) {
			actions = append(actions, Action{Kind: ActionExpireLease, TaskID: t.ID})
		}
	}
	return actions
}

func planStaleHeartbeat(tasks []*task.Task, heartbeats map[string]Heartbeat, now time.Time) []Action {
	var actions []Action
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		hb, ok := heartbeats[t.ID]
		if !ok {
			continue
		}
		if now.After(hb.ExpiresAt) {
			actions = append(actions, Action{Kind: ActionStaleHeartbeat, TaskID: t.ID})
		}
	}
	return actions
}

func planSLABreach(tasks []*task.Task, now time.Time) []Action {
	var actions []Action
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.SLA == nil || len(t.SLA.Targets) == 0 {
			continue
		}
		target, ok := t.SLA.Targets[t.Status]
		if !ok {
			continue
		}
		deadline := t.LastTransitionAt.Add(target)
		if now.After(deadline) {
			onViolation := t.SLA.OnViolation
			if onViolation == "" {
				onViolation = "alert"
			}
			actions = append(actions, Action{Kind: ActionSLABreach, TaskID: t.ID, OnViolation: onViolation})
		}
	}
	return actions
}

// planAssign implements the ordering and selection rule of spec.md
// §4.5: ready, unleased, dependency-satisfied, routable,
// not-team-throttled tasks, sorted by priority desc then createdAt
// asc, capped by min(effectiveCap-inProgress, maxPerPoll), with a
// per-team throttle against MinDispatchInterval.
func planAssign(snap Snapshot, now time.Time, cfg Config) []Action {
	done := map[string]bool{}
	for _, t := range snap.Tasks {
		if t.Status == task.StatusDone {
			done[t.ID] = true
		}
	}

	var candidates []*task.Task
	triedTrial := map[string]bool{}
	for _, t := range snap.Tasks {
		if t.Status != task.StatusReady {
			continue
		}
		if t.Lease.Active(now) {
			continue
		}
		if !allDependenciesDone(t, done) {
			continue
		}
		if t.Routing == nil || t.Routing.Agent == "" {
			continue
		}
		if teamThrottled(t, snap.TeamLastDispatch, now, cfg.MinDispatchInterval) {
			continue
		}
		team := t.Routing.Team
		if until, open := snap.TeamCircuitOpenUntil[team]; open {
			// Circuit breaker tripped: let exactly one candidate through
			// as a half-open recovery trial once the cooldown elapses,
			// reject the rest outright.
			if now.Before(until) || triedTrial[team] {
				continue
			}
			triedTrial[team] = true
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	available := snap.EffectiveConcurrency - snap.CurrentlyInProgress
	if available < 0 {
		available = 0
	}
	limit := available
	if cfg.MaxDispatchesPerPoll < limit {
		limit = cfg.MaxDispatchesPerPoll
	}
	if limit < 0 {
		limit = 0
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	actions := make([]Action, 0, len(candidates))
	for _, t := range candidates {
		actions = append(actions, Action{Kind: ActionAssign, TaskID: t.ID})
	}
	return actions
}

func teamThrottled(t *task.Task, lastDispatch map[string]time.Time, now time.Time, minInterval time.Duration) bool {
	if t.Routing == nil || t.Routing.Team == "" || minInterval <= 0 {
		return false
	}
	last, ok := lastDispatch[t.Routing.Team]
	if !ok {
		return false
	}
	return now.Sub(last) < minInterval
}
