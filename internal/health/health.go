// Package health builds the daemon's liveness/readiness report: per-
// project task counts, last-poll/last-event ages, and an overall
// healthy/unhealthy verdict (spec.md §4.9's unix-socket health
// surface, §6 GLOSSARY "health report"). Grounded on the teacher's
// internal/devops/health.Checker Result{Healthy, Message} shape,
// adapted from the teacher's externally-probed services (HTTP/TCP/
// process) to taskforge's own internally-known state (the store, the
// event log, the scheduler's last poll).
package health

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/procstate"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/task"
)

// StaleAfter is how long since the last successful poll before the
// daemon reports unhealthy (spec.md §7, "unhealthy when last poll is
// stale").
const StaleAfter = 5 * time.Minute

// ProjectHealth is one project's contribution to the report.
type ProjectHealth struct {
	ID            string         `json:"id"`
	Healthy       bool           `json:"healthy"`
	Error         string         `json:"error,omitempty"`
	TaskCounts    map[string]int `json:"taskCounts,omitempty"`
	LastEventAt   *time.Time     `json:"lastEventAt,omitempty"`
	LastEventAge  string         `json:"lastEventAge,omitempty"`
}

// Report is the full health surface body.
type Report struct {
	Healthy      bool            `json:"healthy"`
	ShuttingDown bool            `json:"shuttingDown"`
	StartedAt    time.Time       `json:"startedAt"`
	Uptime       string          `json:"uptime"`
	LastPollAt   *time.Time      `json:"lastPollAt,omitempty"`
	LastPollAge  string          `json:"lastPollAge,omitempty"`
	TotalTasks   int             `json:"totalTasks"`
	Projects     []ProjectHealth `json:"projects"`
}

// Checker assembles a Report from the live registry and whatever the
// scheduler last told it about its poll cadence.
type Checker struct {
	reg       *registry.Registry
	log       logging.Logger
	startedAt time.Time
	clock     func() time.Time
	staleAfter time.Duration
}

// New returns a Checker over reg.
func New(reg *registry.Registry, log logging.Logger, startedAt time.Time) *Checker {
	return &Checker{
		reg:        reg,
		log:        logging.OrNop(log),
		startedAt:  startedAt,
		clock:      func() time.Time { return time.Now().UTC() },
		staleAfter: StaleAfter,
	}
}

// Report builds the current health report. lastPollAt is the zero
// time if no poll has completed yet.
func (c *Checker) Report(lastPollAt time.Time) Report {
	now := c.clock()
	rep := Report{
		Healthy:      true,
		ShuttingDown: procstate.Default.ShuttingDown(),
		StartedAt:    c.startedAt,
		Uptime:       humanize.RelTime(c.startedAt, now, "", ""),
	}

	if !lastPollAt.IsZero() {
		t := lastPollAt
		rep.LastPollAt = &t
		rep.LastPollAge = humanize.RelTime(lastPollAt, now, "ago", "from now")
		if now.Sub(lastPollAt) > c.staleAfter {
			rep.Healthy = false
		}
	}

	records, err := c.reg.Discover(false)
	if err != nil {
		rep.Healthy = false
		rep.Projects = []ProjectHealth{{ID: "*", Healthy: false, Error: err.Error()}}
		return rep
	}

	for _, rec := range records {
		ph := c.projectHealth(rec, now)
		if !ph.Healthy {
			rep.Healthy = false
		}
		rep.TotalTasks += totalTasks(ph)
		rep.Projects = append(rep.Projects, ph)
	}
	return rep
}

func (c *Checker) projectHealth(rec registry.Record, now time.Time) ProjectHealth {
	if rec.Err != nil {
		return ProjectHealth{ID: rec.ID, Healthy: false, Error: rec.Err.Error()}
	}

	rt, err := c.reg.Resolve(rec.ID)
	if err != nil {
		return ProjectHealth{ID: rec.ID, Healthy: false, Error: err.Error()}
	}

	counts := map[string]int{}
	for status, n := range rt.Store.CountByStatus() {
		counts[string(status)] = n
	}

	ph := ProjectHealth{ID: rec.ID, Healthy: true, TaskCounts: counts}
	if last := rt.Events.LastEventAt(); !last.IsZero() {
		ph.LastEventAt = &last
		ph.LastEventAge = humanize.RelTime(last, now, "ago", "from now")
	}
	return ph
}

// totalTasks sums a ProjectHealth's task counts across every status,
// satisfying the same invariant scheduler.Snapshot relies on (spec.md
// §8, invariant 4: "sum over S of countByStatus[S] == total number of
// task files").
func totalTasks(ph ProjectHealth) int {
	total := 0
	for _, st := range task.AllStatuses {
		total += ph.TaskCounts[string(st)]
	}
	return total
}
