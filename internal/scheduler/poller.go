package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/lease"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/runartifact"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// Poller drives the poll loop: on each tick it assembles a Snapshot
// from the live store, calls the pure Plan, and executes the
// resulting actions (spec.md §4.5). It also hosts the dispatcher
// (spec.md §4.6).
type Poller struct {
	store    *taskstore.Store
	leases   *lease.Manager
	events   *eventlog.Log
	exec     executor.Executor
	log      logging.Logger
	cfg      Config
	clock    func() time.Time

	mu                   sync.Mutex
	effectiveConcurrency int
	teamLastDispatch     map[string]time.Time
	breakers             *teamCircuitBreakers

	stopped  chan struct{}
	stopOnce sync.Once
}

// New returns a Poller wired over store/leases/events/exec.
func New(store *taskstore.Store, leases *lease.Manager, events *eventlog.Log, exec executor.Executor, log logging.Logger, cfg Config) *Poller {
	return &Poller{
		store:                store,
		leases:               leases,
		events:               events,
		exec:                 exec,
		log:                  logging.OrNop(log),
		cfg:                  cfg,
		clock:                func() time.Time { return time.Now().UTC() },
		effectiveConcurrency: cfg.MaxConcurrentDispatches,
		teamLastDispatch:     map[string]time.Time{},
		breakers:             newTeamCircuitBreakers(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, log),
		stopped:              make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.stopOnce.Do(func() { close(p.stopped) })
				return
			case <-p.stopped:
				return
			case <-ticker.C:
				if err := p.PollOnce(ctx); err != nil {
					p.log.Warn("scheduler: poll failed: %v", err)
				}
			}
		}
	}()
}

// Stop signals the poll loop to exit and closes Done at once; a poll
// already in progress runs to completion before the loop returns.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// Done closes when Stop is called or when the poll loop exits on ctx
// cancellation.
func (p *Poller) Done() <-chan struct{} { return p.stopped }

// PollOnce runs exactly one poll: snapshot, plan, execute. Exported so
// a daemon's self-check or a CLI `tick` command can force one
// deterministically.
func (p *Poller) PollOnce(ctx context.Context) error {
	snap, err := p.snapshot()
	if err != nil {
		return err
	}
	now := p.clock()
	actions := Plan(snap, now, p.cfg)
	if len(actions) > p.cfg.MaxDispatchesPerPoll+len(snap.Tasks) {
		p.log.Warn("scheduler: planned %d actions, more than expected for %d tasks", len(actions), len(snap.Tasks))
	}

	var assigns []Action
	for _, action := range actions {
		if action.Kind == ActionAssign {
			assigns = append(assigns, action)
			continue
		}
		p.execute(ctx, action)
	}
	p.executeAssigns(ctx, assigns)
	return nil
}

// executeAssigns runs every planned assign concurrently, bounded to
// Config.MaxConcurrentDispatches: each Spawn call is an independent
// suspension point (spec.md §5) and the cap on simultaneous in-progress
// dispatches is already enforced at planning time, so executing them in
// parallel rather than one at a time only shortens wall-clock time per
// poll, grounded on the teacher's errgroup.SetLimit fan-out
// (internal/agent/app.SubAgentOrchestrator.ExecuteParallel).
func (p *Poller) executeAssigns(ctx context.Context, assigns []Action) {
	if len(assigns) == 0 {
		return
	}
	limit := p.cfg.MaxConcurrentDispatches
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, action := range assigns {
		taskID := action.TaskID
		g.Go(func() error {
			p.executeAssign(gctx, taskID)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) snapshot() (Snapshot, error) {
	tasks, err := p.store.List(taskstore.ListFilter{})
	if err != nil {
		return Snapshot{}, err
	}

	corrupt := map[string]bool{}
	if findings, lintErr := p.store.Lint(); lintErr != nil {
		p.log.Warn("scheduler: lint failed: %v", lintErr)
	} else {
		for _, f := range findings {
			corrupt[f.TaskID] = true
		}
		if len(findings) > 0 {
			p.events.Append(eventlog.Event{Type: "store.corruption_detected", Payload: map[string]any{"count": len(findings)}})
		}
	}

	inProgress := 0
	heartbeats := map[string]Heartbeat{}
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		inProgress++
		workDir, err := p.store.WorkingDir(t.ID)
		if err != nil {
			continue
		}
		hb, err := runartifact.ReadHeartbeat(workDir)
		if err != nil || hb == nil {
			continue
		}
		heartbeats[t.ID] = Heartbeat{ExpiresAt: hb.ExpiresAt}
	}

	p.mu.Lock()
	cap := p.effectiveConcurrency
	throttle := make(map[string]time.Time, len(p.teamLastDispatch))
	for k, v := range p.teamLastDispatch {
		throttle[k] = v
	}
	p.mu.Unlock()

	return Snapshot{
		Tasks:                tasks,
		Heartbeats:           heartbeats,
		CurrentlyInProgress:  inProgress,
		EffectiveConcurrency: cap,
		TeamLastDispatch:     throttle,
		TeamCircuitOpenUntil: p.breakers.OpenUntil(p.clock()),
		CorruptTaskIDs:       corrupt,
	}, nil
}

func (p *Poller) execute(ctx context.Context, action Action) {
	switch action.Kind {
	case ActionAssign:
		p.executeAssign(ctx, action.TaskID)
	case ActionExpireLease:
		p.executeExpireLease(action.TaskID)
	case ActionStaleHeartbeat:
		p.executeStaleHeartbeat(action.TaskID)
	case ActionSLABreach:
		p.executeSLABreach(action.TaskID, action.OnViolation)
	case ActionDependencySatisfied:
		p.executeDependencySatisfied(action.TaskID)
	}
}

func (p *Poller) executeExpireLease(taskID string) {
	t, err := p.store.Get(taskID)
	if err != nil {
		return
	}
	if t.Status != task.StatusInProgress || t.Lease.Active(p.clock()) {
		p.events.Append(eventlog.Event{Type: "dispatch.deduped", TaskID: taskID, Payload: map[string]any{"action": "expire_lease"}})
		return
	}
	if _, err := p.leases.ExpireAll(); err != nil {
		p.log.Warn("scheduler: expire_lease for %s failed: %v", taskID, err)
	}
}

func (p *Poller) executeDependencySatisfied(taskID string) {
	t, err := p.store.Get(taskID)
	if err != nil || t.Status != task.StatusBacklog {
		p.events.Append(eventlog.Event{Type: "dispatch.deduped", TaskID: taskID, Payload: map[string]any{"action": "dependency_satisfied"}})
		return
	}
	if _, err := p.store.Transition(taskID, task.StatusReady, taskstore.TransitionOptions{Reason: "dependency_satisfied"}); err != nil {
		p.log.Warn("scheduler: promote %s failed: %v", taskID, err)
	}
}

func (p *Poller) executeSLABreach(taskID, onViolation string) {
	t, err := p.store.Get(taskID)
	if err != nil || t.Status.IsTerminal() {
		return
	}
	switch onViolation {
	case "block":
		if _, err := p.store.Block(taskID, "sla_violation"); err != nil {
			p.log.Warn("scheduler: sla block for %s failed: %v", taskID, err)
		}
	case "deadletter":
		if _, err := p.store.Transition(taskID, task.StatusDeadletter, taskstore.TransitionOptions{Reason: "sla_violation"}); err != nil {
			p.log.Warn("scheduler: sla deadletter for %s failed: %v", taskID, err)
		}
	default:
		p.events.Append(eventlog.Event{Type: "sla.breach", TaskID: taskID, Payload: map[string]any{"onViolation": onViolation}})
	}
}

// executeStaleHeartbeat force-completes the session and either applies
// the run result or reclaims the task (spec.md §4.5, "Stale-heartbeat
// handling").
func (p *Poller) executeStaleHeartbeat(taskID string) {
	t, err := p.store.Get(taskID)
	if err != nil || t.Status != task.StatusInProgress {
		return
	}
	sessionID, _ := t.Metadata["sessionId"].(string)
	correlationID, _ := t.Metadata["correlationId"].(string)

	if sessionID != "" {
		if err := p.exec.ForceComplete(sessionID, "stale_heartbeat"); err != nil {
			p.log.Warn("scheduler: force-complete %s failed: %v", sessionID, err)
		}
	}

	workDir, err := p.store.WorkingDir(taskID)
	applied := false
	if err == nil {
		if result, rErr := runartifact.ReadResult(workDir); rErr == nil && result != nil {
			applied = p.applyRunResult(taskID, result)
		}
	}
	if !applied {
		if err := p.leases.Release(taskID, t.Lease.AgentOr("")); err != nil {
			p.log.Warn("scheduler: release lease for %s failed: %v", taskID, err)
		}
		if _, err := p.store.Transition(taskID, task.StatusReady, taskstore.TransitionOptions{Reason: "stale_heartbeat"}); err != nil {
			p.log.Warn("scheduler: reclaim %s failed: %v", taskID, err)
		}
	}

	p.events.Append(eventlog.Event{
		Type:   "session.force_completed",
		TaskID: taskID,
		Payload: map[string]any{
			"sessionId":     sessionID,
			"correlationId": correlationID,
			"reason":        "stale_heartbeat",
		},
	})
}

func (p *Poller) applyRunResult(taskID string, result *runartifact.Result) bool {
	switch result.Outcome {
	case "success":
		if _, err := p.store.Complete(taskID, taskstore.CompleteOptions{Reason: "run_result", ViaReview: false}); err != nil {
			p.log.Warn("scheduler: apply success result for %s failed: %v", taskID, err)
			return false
		}
		return true
	case "failure":
		if _, err := p.store.Transition(taskID, task.StatusBlocked, taskstore.TransitionOptions{Reason: "run_result_failure"}); err != nil {
			p.log.Warn("scheduler: apply failure result for %s failed: %v", taskID, err)
			return false
		}
		return true
	default:
		return false
	}
}
