package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// keyedLock serializes handler execution per task id, mirroring
// taskstore's own lock (internal/taskstore/lock.go): the router's lock
// is a separate, in-process lock whose scope is the whole handler
// (spec.md §4.7, "Pipeline").
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: map[string]*sync.Mutex{}}
}

func (k *keyedLock) withLock(key string, fn func() error) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// Config tunes router behavior that isn't carried per-envelope
// (spec.md §4.7).
type Config struct {
	// CascadeBlocks enables the status.update block-cascade behavior.
	CascadeBlocks bool
	// ReviewRequired routes completion.report's "complete" outcome
	// through review before done.
	ReviewRequired bool
}

// Router dispatches validated envelopes to per-type handlers, each
// running under a per-task lock (spec.md §4.7).
type Router struct {
	registry *registry.Registry
	log      logging.Logger
	cfg      Config
	locks    *keyedLock
}

// New returns a Router over reg.
func New(reg *registry.Registry, log logging.Logger, cfg Config) *Router {
	return &Router{
		registry: reg,
		log:      logging.OrNop(log),
		cfg:      cfg,
		locks:    newKeyedLock(),
	}
}

// Dispatch validates env, resolves its project, loads its task,
// acquires the per-task lock, and routes to the handler for env.Type
// (spec.md §4.7, "Pipeline").
func (r *Router) Dispatch(env *Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !r.registry.Exists(env.ProjectID) {
		return nil, taskerr.New(taskerr.KindValidation, "protocol.Dispatch", fmt.Errorf("invalid_project_id: %q", env.ProjectID))
	}
	rt, err := r.registry.Resolve(env.ProjectID)
	if err != nil {
		return nil, err
	}

	var (
		result *Result
		hErr   error
	)
	err = r.locks.withLock(env.TaskID, func() error {
		t, err := rt.Store.Get(env.TaskID)
		if err != nil {
			return taskerr.New(taskerr.KindNotFound, "protocol.Dispatch", fmt.Errorf("task_not_found: %q", env.TaskID))
		}

		switch env.Type {
		case TypeStatusUpdate:
			result, hErr = r.handleStatusUpdate(rt, t, env)
		case TypeCompletionReport:
			result, hErr = r.handleCompletionReport(rt, t, env)
		case TypeHandoffRequest:
			result, hErr = r.handleHandoffRequest(rt, t, env)
		case TypeHandoffAccepted:
			result, hErr = r.handleHandoffAck(rt, t, env, true)
		case TypeHandoffRejected:
			result, hErr = r.handleHandoffAck(rt, t, env, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, hErr
}

// isAuthorized reports whether agent may mutate t: t's routing names
// agent directly, agent currently holds t's active lease, or agent is
// the lead of t's routed team per the project manifest (spec.md §4.7,
// "Only the assigned agent ... may move the task"; §8 scenario 5,
// "the team lead ... for that team" may act on a teammate's task).
func (r *Router) isAuthorized(rt *registry.ProjectRuntime, t *task.Task, agent string) bool {
	if t.Routing != nil && t.Routing.Agent == agent {
		return true
	}
	if t.Lease != nil && t.Lease.Agent == agent {
		return true
	}
	if t.Routing == nil || t.Routing.Team == "" {
		return false
	}
	m, err := r.registry.Manifest(rt.ID)
	if err != nil {
		return false
	}
	return m.Owner.Team == t.Routing.Team && m.Owner.Lead == agent
}

func (r *Router) reject(rt *registry.ProjectRuntime, t *task.Task, env *Envelope, reason string) (*Result, error) {
	rt.Events.Append(eventlog.Event{
		Type:   "protocol.message.rejected",
		TaskID: t.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"reason": reason,
			"type":   string(env.Type),
		},
	})
	return nil, taskerr.New(taskerr.KindUnauthorized, "protocol."+string(env.Type), errors.New(reason))
}

// cascadeBlocks transitions every direct dependent of blockedID that is
// currently backlog/ready to blocked, emitting one dependency.cascaded
// event per child (spec.md §4.7, "With cascadeBlocks enabled").
func cascadeBlocks(store *taskstore.Store, events *eventlog.Log, blockedID string) {
	tasks, err := store.List(taskstore.ListFilter{})
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.Status != task.StatusBacklog && t.Status != task.StatusReady {
			continue
		}
		dependsOnBlocked := false
		for _, dep := range t.DependsOn {
			if dep == blockedID {
				dependsOnBlocked = true
				break
			}
		}
		if !dependsOnBlocked {
			continue
		}
		if _, err := store.Transition(t.ID, task.StatusBlocked, taskstore.TransitionOptions{
			Reason: fmt.Sprintf("upstream blocked: %s", blockedID),
		}); err != nil {
			continue
		}
		events.Append(eventlog.Event{
			Type:   "dependency.cascaded",
			TaskID: t.ID,
			Payload: map[string]any{"blockedBy": blockedID},
		})
	}
}
