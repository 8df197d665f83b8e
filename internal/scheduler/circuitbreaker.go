package scheduler

import (
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/logging"
)

// circuitState is one of the three states a per-team breaker can be in.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// teamCircuitBreakers tracks one circuit breaker per routing team,
// opening a team's breaker after a run of consecutive dispatch
// failures and holding it open for a cooldown window before allowing a
// single half-open trial dispatch. This sits alongside the per-team
// MinDispatchInterval throttle (plan.go's teamThrottled) as a second,
// failure-driven gate: the interval throttle paces healthy teams, the
// breaker stops feeding tasks to a team whose agent is clearly down.
//
// Grounded on the teacher's internal/errors.CircuitBreaker
// (closed/open/half-open state machine with a failure threshold and a
// timeout-gated recovery probe), generalized from a single named
// resource to one instance per dispatch team.
type teamCircuitBreakers struct {
	failureThreshold int
	timeout          time.Duration
	log              logging.Logger

	mu       sync.Mutex
	breakers map[string]*teamBreakerState
}

type teamBreakerState struct {
	state           circuitState
	consecutiveFail int
	openedAt        time.Time
}

func newTeamCircuitBreakers(failureThreshold int, timeout time.Duration, log logging.Logger) *teamCircuitBreakers {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &teamCircuitBreakers{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		log:              logging.OrNop(log),
		breakers:         map[string]*teamBreakerState{},
	}
}

// OpenUntil reports, for every team currently open, the time at which
// it becomes eligible for a half-open trial. Teams not present are
// closed (never tripped, or already recovered).
func (b *teamCircuitBreakers) OpenUntil(now time.Time) map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := map[string]time.Time{}
	for team, st := range b.breakers {
		if st.state != circuitOpen {
			continue
		}
		out[team] = st.openedAt.Add(b.timeout)
	}
	return out
}

// RecordSuccess closes the breaker for team, resetting its failure
// streak. A half-open trial that succeeds closes the circuit.
func (b *teamCircuitBreakers) RecordSuccess(team string) {
	if team == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.breakers[team]
	if st == nil {
		return
	}
	if st.state != circuitClosed {
		b.log.Info("scheduler: circuit breaker for team %s closing after recovery", team)
	}
	st.state = circuitClosed
	st.consecutiveFail = 0
}

// RecordFailure accumulates a dispatch failure for team and opens its
// breaker once the consecutive count reaches failureThreshold. A
// failed half-open trial reopens immediately.
func (b *teamCircuitBreakers) RecordFailure(team string, now time.Time) {
	if team == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.breakers[team]
	if st == nil {
		st = &teamBreakerState{}
		b.breakers[team] = st
	}

	if st.state == circuitHalfOpen {
		st.state = circuitOpen
		st.openedAt = now
		b.log.Warn("scheduler: circuit breaker for team %s reopening after failed recovery trial", team)
		return
	}

	st.consecutiveFail++
	if st.consecutiveFail >= b.failureThreshold {
		st.state = circuitOpen
		st.openedAt = now
		b.log.Warn("scheduler: circuit breaker for team %s opening after %d consecutive failures", team, st.consecutiveFail)
	}
}

// allowTrial marks team as half-open so at most one in-flight plan
// uses its single recovery trial per cooldown; called by the poller
// right before it lets a trial candidate through so a second poll
// within the same window doesn't also treat it as closed.
func (b *teamCircuitBreakers) allowTrial(team string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.breakers[team]; st != nil && st.state == circuitOpen {
		st.state = circuitHalfOpen
	}
}
