// Package procstate holds the orchestrator's process-wide mutable
// state behind an explicit module with a defined init/teardown, per
// spec.md §9 ("Global mutable state"): a per-team last-dispatch record,
// and the daemon's shutting-down flag the health report reads. The
// scheduler keeps its own per-team dispatch times and does not read
// this package. Grounded on the
// teacher's devops/supervisor.Manager idiom of a small mutex-guarded
// struct exposing named accessors rather than bare package vars.
package procstate

import (
	"sync"
	"time"
)

// State is one process's throttle/shutdown bookkeeping. The package
// also exposes a default instance as the Default variable below;
// tests that need isolation construct their own State.
type State struct {
	mu               sync.Mutex
	teamLastDispatch map[string]time.Time
	shuttingDown     bool
}

// New returns a fresh, empty State.
func New() *State {
	return &State{teamLastDispatch: map[string]time.Time{}}
}

// RecordDispatch records that team was just dispatched to at t.
func (s *State) RecordDispatch(team string, t time.Time) {
	if team == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamLastDispatch[team] = t
}

// LastDispatch returns the last recorded dispatch time for team.
func (s *State) LastDispatch(team string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teamLastDispatch[team]
	return t, ok
}

// Snapshot returns a copy of the whole team->last-dispatch map, for
// the scheduler's pure Plan function (spec.md §4.5, "Poll loop
// invariants": Plan must be a pure function of an in-memory snapshot).
func (s *State) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.teamLastDispatch))
	for k, v := range s.teamLastDispatch {
		out[k] = v
	}
	return out
}

// SetShuttingDown flips the shutdown flag the health/liveness probe
// reports (spec.md §6, "Process lifecycle").
func (s *State) SetShuttingDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = v
}

// ShuttingDown reports whether the process has begun its drain.
func (s *State) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Reset clears all state, so tests can run independently of one
// another without restarting the process (spec.md §9: "add a reset()
// entry point so tests can reset between cases").
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamLastDispatch = map[string]time.Time{}
	s.shuttingDown = false
}

// Default is the process-wide instance: the daemon sets its
// shutting-down flag and the health checker reads it.
var Default = New()
