// Package lease manages the exclusive, time-bounded claim an agent
// holds on a task. Grounded on the teacher's
// internal/domain/task.Store TryClaimTask/RenewTaskLease/ReleaseTaskLease
// trio (lease-as-ownership-token pattern), generalized from the
// teacher's single-column DB lease to taskforge's in-header
// task.Lease plus a background renewal goroutine (spec.md §4.3, §5).
package lease

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// DefaultTTL is the lease time-to-live used when a caller doesn't
// specify one (spec.md §3.4).
const DefaultTTL = 5 * time.Minute

// Manager issues, renews, and expires leases on top of a taskstore.
type Manager struct {
	store *taskstore.Store
	log   logging.Logger
	clock func() time.Time
	sem   *semaphore.Weighted
}

// Option customises a new Manager.
type Option func(*Manager)

// WithMaxConcurrentRenewals bounds the number of background renewal
// loops (one per in-flight lease) that may run at once to n, mirroring
// the effective concurrency cap the dispatcher applies to spawns
// (spec.md §5, "bounds concurrent executor/renewal goroutines to the
// effective concurrency cap"). n <= 0 leaves renewal loops unbounded.
func WithMaxConcurrentRenewals(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New returns a lease Manager over store.
func New(store *taskstore.Store, log logging.Logger, clock func() time.Time, opts ...Option) *Manager {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	m := &Manager{store: store, log: logging.OrNop(log), clock: clock}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims taskID for agent, transitioning ready→in-progress and
// setting the lease. Idempotent when the existing lease is already
// held by agent (spec.md §4.3).
func (m *Manager) Acquire(taskID, agent string, ttl time.Duration) (*task.Task, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	if t.Status == task.StatusInProgress && t.Lease.Active(now) {
		if t.Lease.Agent == agent {
			return t, nil // idempotent re-acquire
		}
		return nil, taskerr.New(taskerr.KindConcurrency, "lease.Acquire", fmt.Errorf("task %q is leased by %q", taskID, t.Lease.Agent))
	}
	if t.Status != task.StatusReady {
		return nil, taskerr.New(taskerr.KindValidation, "lease.Acquire", fmt.Errorf("task %q is %q, not ready", taskID, t.Status))
	}

	if _, err := m.store.Transition(taskID, task.StatusInProgress, taskstore.TransitionOptions{Agent: agent, Reason: "lease acquired"}); err != nil {
		return nil, err
	}
	return m.store.SetLease(taskID, &task.Lease{Agent: agent, AcquiredAt: now, ExpiresAt: now.Add(ttl)})
}

// Renew extends taskID's lease by ttl. Fails if the caller does not
// own the lease, or with a distinguishable error if it already
// expired.
func (m *Manager) Renew(taskID, agent string, ttl time.Duration) (*task.Task, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return nil, taskerr.New(taskerr.KindUnauthorized, "lease.Renew", fmt.Errorf("task %q has no lease held by %q", taskID, agent))
	}
	now := m.clock()
	if !t.Lease.Active(now) {
		return nil, taskerr.New(taskerr.KindConcurrency, "lease.Renew", fmt.Errorf("task %q lease already expired", taskID))
	}
	t.Lease.ExpiresAt = now.Add(ttl)
	t.Lease.RenewCount++
	return m.store.SetLease(taskID, t.Lease)
}

// Release clears taskID's lease without changing status; the caller
// decides any follow-up transition.
func (m *Manager) Release(taskID, agent string) error {
	t, err := m.store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return nil
	}
	_, err = m.store.SetLease(taskID, nil)
	return err
}

// ExpireAll finds every in-progress task whose lease has expired and
// demotes it back to ready (spec.md §4.5's expire_lease action).
func (m *Manager) ExpireAll() ([]*task.Task, error) {
	status := task.StatusInProgress
	inProgress, err := m.store.List(taskstore.ListFilter{Status: &status})
	if err != nil {
		return nil, err
	}

	now := m.clock()
	var demoted []*task.Task
	for _, t := range inProgress {
		if t.Lease == nil || t.Lease.Active(now) {
			continue
		}
		next, err := m.store.Transition(t.ID, task.StatusReady, taskstore.TransitionOptions{Reason: "lease expired"})
		if err != nil {
			m.log.Warn("lease: failed to demote expired task %s: %v", t.ID, err)
			continue
		}
		if _, err := m.store.SetLease(t.ID, nil); err != nil {
			m.log.Warn("lease: failed to clear lease on %s: %v", t.ID, err)
		}
		demoted = append(demoted, next)
	}
	return demoted, nil
}

// StartRenewalLoop runs a background renewer for taskID that refreshes
// the lease at roughly ttl/3 until ctx is cancelled. Cancellation is
// prompt: no renewal write is issued after ctx.Done() fires (spec.md
// §4.3, "Renewal loop").
func (m *Manager) StartRenewalLoop(ctx context.Context, taskID, agent string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		if m.sem != nil {
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return // ctx cancelled before a renewal slot freed up
			}
			defer m.sem.Release(1)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case <-ctx.Done():
					return
				default:
				}
				if _, err := m.Renew(taskID, agent, ttl); err != nil {
					m.log.Warn("lease: renewal failed for %s: %v", taskID, err)
					return
				}
			}
		}
	}()
}
