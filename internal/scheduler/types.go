// Package scheduler translates a task store snapshot into a bounded
// list of actions and executes them: assign ready tasks to an
// executor, expire stale leases, force-complete stale sessions,
// enforce per-status SLAs, and promote backlog tasks whose
// dependencies are satisfied (spec.md §4.5). Grounded on the
// teacher's internal/app/scheduler.Scheduler lifecycle idiom
// (Start/Stop/Drain/Done with sync.Once) and its FileJobStore-adjacent
// throttle bookkeeping, generalized from cron-triggered jobs to a
// fixed-interval poll loop over task.Store state.
package scheduler

import (
	"time"

	"github.com/taskforge/taskforge/internal/task"
)

// ActionKind is the category of one planned scheduler action.
type ActionKind string

const (
	ActionAssign               ActionKind = "assign"
	ActionExpireLease          ActionKind = "expire_lease"
	ActionStaleHeartbeat       ActionKind = "stale_heartbeat"
	ActionSLABreach            ActionKind = "sla_breach"
	ActionDependencySatisfied  ActionKind = "dependency_satisfied"
)

// Action is one planned side effect of a poll.
type Action struct {
	Kind   ActionKind
	TaskID string
	// OnViolation carries the sla.onViolation value for ActionSLABreach
	// (alert | block | deadletter); empty for every other kind.
	OnViolation string
}

// Config is the scheduler's tunable policy (spec.md §4.5, "Inputs per
// poll").
type Config struct {
	MaxConcurrentDispatches int
	MinDispatchInterval     time.Duration
	MaxDispatchesPerPoll    int
	DefaultLeaseTTL         time.Duration
	HeartbeatTTL            time.Duration
	SpawnTimeout            time.Duration
	PollInterval            time.Duration
	// MaxRetries caps how many times a task may be blocked for a
	// retryable dispatch failure before it escalates to deadletter
	// (spec.md §4.6, failure taxonomy).
	MaxRetries int
	// CircuitBreakerThreshold is the number of consecutive dispatch
	// failures for one routing team that trips its breaker open.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is how long a tripped team's breaker stays
	// open before a single half-open recovery trial is allowed.
	CircuitBreakerTimeout time.Duration
}

// DefaultConfig returns reasonable defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDispatches: 4,
		MinDispatchInterval:     2 * time.Second,
		MaxDispatchesPerPoll:    4,
		DefaultLeaseTTL:         5 * time.Minute,
		HeartbeatTTL:            2 * time.Minute,
		SpawnTimeout:            30 * time.Second,
		PollInterval:            5 * time.Second,
		MaxRetries:              3,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// Heartbeat is the subset of runartifact.Heartbeat the planner needs,
// kept local so plan.go stays free of an I/O-bearing import: the
// planner is a pure function of in-memory state (spec.md §4.5,
// "Poll loop invariants").
type Heartbeat struct {
	ExpiresAt time.Time
}

// Snapshot is the entire input to Plan: a point-in-time view of the
// store plus whatever ambient counters the selection rule needs.
type Snapshot struct {
	Tasks                []*task.Task
	Heartbeats           map[string]Heartbeat // taskId -> heartbeat, in-progress tasks only
	CurrentlyInProgress  int
	EffectiveConcurrency int
	TeamLastDispatch     map[string]time.Time
	// TeamCircuitOpenUntil holds, for every team whose breaker is
	// currently tripped, the time it becomes eligible for a recovery
	// trial (see circuitbreaker.go). Absent entries are closed.
	TeamCircuitOpenUntil map[string]time.Time
	// CorruptTaskIDs holds every task id store.Lint flagged this poll
	// (spec.md §7, "corruption" kind): the scheduler refuses to plan
	// any action against these until a lint pass clears them.
	CorruptTaskIDs map[string]bool
}
