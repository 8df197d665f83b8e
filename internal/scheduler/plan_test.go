package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskforge/taskforge/internal/task"
)

func baseTask(id string, status task.Status, priority task.Priority, createdAt time.Time) *task.Task {
	return &task.Task{
		ID:               id,
		Status:           status,
		Priority:         priority,
		Routing:          &task.Routing{Agent: "agent-" + id, Team: "team-a"},
		CreatedAt:        createdAt,
		LastTransitionAt: createdAt,
	}
}

func TestPlanAssign_SortsByPriorityThenCreatedAt(t *testing.T) {
	now := time.Now().UTC()
	low := baseTask("t-low", task.StatusReady, task.PriorityLow, now.Add(-1*time.Hour))
	critical := baseTask("t-critical", task.StatusReady, task.PriorityCritical, now)
	earlyNormal := baseTask("t-early-normal", task.StatusReady, task.PriorityNormal, now.Add(-2*time.Hour))
	lateNormal := baseTask("t-late-normal", task.StatusReady, task.PriorityNormal, now.Add(-1*time.Minute))

	snap := Snapshot{
		Tasks:                []*task.Task{low, critical, earlyNormal, lateNormal},
		EffectiveConcurrency: 10,
	}
	cfg := DefaultConfig()
	cfg.MaxDispatchesPerPoll = 10

	actions := Plan(snap, now, cfg)
	var ids []string
	for _, a := range actions {
		if a.Kind == ActionAssign {
			ids = append(ids, a.TaskID)
		}
	}
	assert.Equal(t, []string{"t-critical", "t-early-normal", "t-late-normal", "t-low"}, ids)
}

func TestPlanAssign_CapsAtEffectiveConcurrencyAndMaxPerPoll(t *testing.T) {
	now := time.Now().UTC()
	var tasks []*task.Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, baseTask(string(rune('a'+i)), task.StatusReady, task.PriorityNormal, now.Add(time.Duration(i)*time.Minute)))
	}
	snap := Snapshot{Tasks: tasks, EffectiveConcurrency: 3, CurrentlyInProgress: 0}
	cfg := DefaultConfig()
	cfg.MaxDispatchesPerPoll = 2

	actions := Plan(snap, now, cfg)
	var assigns int
	for _, a := range actions {
		if a.Kind == ActionAssign {
			assigns++
		}
	}
	assert.Equal(t, 2, assigns)
}

func TestPlanAssign_SkipsLeasedUnroutedAndThrottledTasks(t *testing.T) {
	now := time.Now().UTC()
	leased := baseTask("leased", task.StatusReady, task.PriorityNormal, now)
	leased.Lease = &task.Lease{Agent: "a", ExpiresAt: now.Add(time.Hour)}
	unrouted := baseTask("unrouted", task.StatusReady, task.PriorityNormal, now)
	unrouted.Routing = nil
	throttled := baseTask("throttled", task.StatusReady, task.PriorityNormal, now)
	ok := baseTask("ok", task.StatusReady, task.PriorityNormal, now)

	snap := Snapshot{
		Tasks:                []*task.Task{leased, unrouted, throttled, ok},
		EffectiveConcurrency: 10,
		TeamLastDispatch:     map[string]time.Time{"team-a": now.Add(-time.Second)},
	}
	cfg := DefaultConfig()
	cfg.MinDispatchInterval = time.Minute
	cfg.MaxDispatchesPerPoll = 10

	actions := Plan(snap, now, cfg)
	var ids []string
	for _, a := range actions {
		if a.Kind == ActionAssign {
			ids = append(ids, a.TaskID)
		}
	}
	assert.Empty(t, ids, "leased/unrouted/throttled tasks share team-a so none should be assignable this poll")
}

func TestPlanAssign_RequiresAllDependenciesDone(t *testing.T) {
	now := time.Now().UTC()
	blocker := baseTask("blocker", task.StatusInProgress, task.PriorityNormal, now)
	dependent := baseTask("dependent", task.StatusReady, task.PriorityNormal, now)
	dependent.DependsOn = []string{"blocker"}

	snap := Snapshot{Tasks: []*task.Task{blocker, dependent}, EffectiveConcurrency: 10}
	cfg := DefaultConfig()
	actions := Plan(snap, now, cfg)
	for _, a := range actions {
		assert.NotEqual(t, "dependent", a.TaskID, "dependent's blocker is not done")
	}

	blocker.Status = task.StatusDone
	snap.Tasks = []*task.Task{blocker, dependent}
	actions = Plan(snap, now, cfg)
	var assigned bool
	for _, a := range actions {
		if a.Kind == ActionAssign && a.TaskID == "dependent" {
			assigned = true
		}
	}
	assert.True(t, assigned, "dependent should be assignable once blocker is done")
}

func TestPlanDependencySatisfied_PromotesBacklogWhenBlockersDone(t *testing.T) {
	now := time.Now().UTC()
	blocker := baseTask("blocker", task.StatusDone, task.PriorityNormal, now)
	waiting := baseTask("waiting", task.StatusBacklog, task.PriorityNormal, now)
	waiting.DependsOn = []string{"blocker"}
	stillWaiting := baseTask("still-waiting", task.StatusBacklog, task.PriorityNormal, now)
	stillWaiting.DependsOn = []string{"nonexistent"}

	snap := Snapshot{Tasks: []*task.Task{blocker, waiting, stillWaiting}}
	actions := Plan(snap, now, DefaultConfig())

	var promoted []string
	for _, a := range actions {
		if a.Kind == ActionDependencySatisfied {
			promoted = append(promoted, a.TaskID)
		}
	}
	assert.Equal(t, []string{"waiting"}, promoted)
}

func TestPlanExpireLease_FlagsExpiredLeaseOnInProgressTask(t *testing.T) {
	now := time.Now().UTC()
	expired := baseTask("expired", task.StatusInProgress, task.PriorityNormal, now)
	expired.Lease = &task.Lease{Agent: "a", ExpiresAt: now.Add(-time.Minute)}
	active := baseTask("active", task.StatusInProgress, task.PriorityNormal, now)
	active.Lease = &task.Lease{Agent: "a", ExpiresAt: now.Add(time.Minute)}

	snap := Snapshot{Tasks: []*task.Task{expired, active}}
	actions := Plan(snap, now, DefaultConfig())

	var expiredIDs []string
	for _, a := range actions {
		if a.Kind == ActionExpireLease {
			expiredIDs = append(expiredIDs, a.TaskID)
		}
	}
	assert.Equal(t, []string{"expired"}, expiredIDs)
}

func TestPlanStaleHeartbeat_FlagsPastExpiry(t *testing.T) {
	now := time.Now().UTC()
	stale := baseTask("stale", task.StatusInProgress, task.PriorityNormal, now)
	fresh := baseTask("fresh", task.StatusInProgress, task.PriorityNormal, now)

	snap := Snapshot{
		Tasks: []*task.Task{stale, fresh},
		Heartbeats: map[string]Heartbeat{
			"stale": {ExpiresAt: now.Add(-time.Second)},
			"fresh": {ExpiresAt: now.Add(time.Minute)},
		},
	}
	actions := Plan(snap, now, DefaultConfig())

	var staleIDs []string
	for _, a := range actions {
		if a.Kind == ActionStaleHeartbeat {
			staleIDs = append(staleIDs, a.TaskID)
		}
	}
	assert.Equal(t, []string{"stale"}, staleIDs)
}

func TestPlanSLABreach_UsesPerStatusTargetAndOnViolation(t *testing.T) {
	now := time.Now().UTC()
	breached := baseTask("breached", task.StatusInProgress, task.PriorityNormal, now.Add(-time.Hour))
	breached.LastTransitionAt = now.Add(-time.Hour)
	breached.SLA = &task.SLA{Targets: map[task.Status]time.Duration{task.StatusInProgress: time.Minute}, OnViolation: "deadletter"}

	onTrack := baseTask("on-track", task.StatusInProgress, task.PriorityNormal, now)
	onTrack.LastTransitionAt = now
	onTrack.SLA = &task.SLA{Targets: map[task.Status]time.Duration{task.StatusInProgress: time.Hour}, OnViolation: "block"}

	snap := Snapshot{Tasks: []*task.Task{breached, onTrack}}
	actions := Plan(snap, now, DefaultConfig())

	var found bool
	for _, a := range actions {
		if a.Kind == ActionSLABreach {
			assert.Equal(t, "breached", a.TaskID)
			assert.Equal(t, "deadletter", a.OnViolation)
			found = true
		}
	}
	assert.True(t, found)
}

func TestPlan_SkipsCorruptTasksEntirely(t *testing.T) {
	now := time.Now().UTC()
	ready := baseTask("corrupt-ready", task.StatusReady, task.PriorityCritical, now)
	clean := baseTask("clean-ready", task.StatusReady, task.PriorityNormal, now)

	snap := Snapshot{
		Tasks:                []*task.Task{ready, clean},
		EffectiveConcurrency: 10,
		CorruptTaskIDs:       map[string]bool{"corrupt-ready": true},
	}
	cfg := DefaultConfig()
	cfg.MaxDispatchesPerPoll = 10

	actions := Plan(snap, now, cfg)
	var ids []string
	for _, a := range actions {
		ids = append(ids, a.TaskID)
	}
	assert.NotContains(t, ids, "corrupt-ready")
	assert.Contains(t, ids, "clean-ready")
}

func TestPlanAssign_IdenticalSnapshotYieldsIdenticalPlan(t *testing.T) {
	now := time.Now().UTC()
	a := baseTask("a", task.StatusReady, task.PriorityHigh, now)
	b := baseTask("b", task.StatusReady, task.PriorityLow, now.Add(time.Minute))
	snap := Snapshot{Tasks: []*task.Task{a, b}, EffectiveConcurrency: 10}
	cfg := DefaultConfig()
	cfg.MaxDispatchesPerPoll = 10

	first := Plan(snap, now, cfg)
	second := Plan(snap, now, cfg)
	assert.Equal(t, first, second)
}
