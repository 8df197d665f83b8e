// Package daemon wires a registry of projects, their pollers, the
// protocol router, and the health checker into the long-running
// process spec.md §4.9/§5 describes: a single daemon per data
// directory, PID-locked, reachable over a unix domain socket, that
// polls every known project and drains cleanly on SIGTERM/SIGINT.
// Grounded on the teacher's cmd/elephant-ai daemon entrypoint and
// internal/devops/process.Manager lifecycle (PID file, crash
// recovery, signal-driven graceful stop).
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/taskforge/internal/delegation"
	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/health"
	"github.com/taskforge/taskforge/internal/lease"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/procstate"
	"github.com/taskforge/taskforge/internal/protocol"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/scheduler"
)

// Config bootstraps a Daemon.
type Config struct {
	DataDir        string
	SocketPath     string
	PIDPath        string
	SchedulerCfg   scheduler.Config
	ProtocolCfg    protocol.Config
	Exec           executor.Executor // nil defaults to executor.NullAdapter
}

// projectWorker is one resolved project's poller plus the lease
// manager that backs it, kept alive for the daemon's lifetime.
type projectWorker struct {
	poller *scheduler.Poller
	leases *lease.Manager
}

// Daemon is the single long-running process per data directory.
type Daemon struct {
	cfg Config
	log logging.Logger

	reg     *registry.Registry
	checker *health.Checker
	router  *protocol.Router
	server  *Server

	mu       sync.Mutex
	workers  map[string]*projectWorker
	lastPoll time.Time
}

// New builds a Daemon over cfg. It does not touch the filesystem
// beyond what registry.New requires (creating root if absent).
func New(cfg Config, log logging.Logger) (*Daemon, error) {
	log = logging.OrNop(log)
	reg, err := registry.New(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: open registry: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		checker: health.New(reg, log, time.Now().UTC()),
		router:  protocol.New(reg, log, cfg.ProtocolCfg),
		workers: map[string]*projectWorker{},
	}
	d.server = NewServer(d.checker, d.router, log, d.LastPollAt)
	return d, nil
}

// LastPollAt returns the time of the most recently completed poll
// across every project, or the zero time if none has run yet.
func (d *Daemon) LastPollAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPoll
}

// Run acquires the PID file, opens every known project, starts the
// unix-socket HTTP surface, and polls until ctx is cancelled (spec.md
// §5, "Process lifecycle"). It always removes the PID file and socket
// before returning, whether it exits cleanly or on error.
func (d *Daemon) Run(ctx context.Context) error {
	crashRecovered, err := acquirePIDFile(d.cfg.PIDPath)
	if err != nil {
		return err
	}
	defer releasePIDFile(d.cfg.PIDPath)

	if crashRecovered {
		d.logCrashRecovery()
	}

	if err := d.openAllProjects(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(d.cfg.SocketPath) }()

	pollInterval := d.cfg.SchedulerCfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	d.log.Info("daemon: started, data_dir=%s socket=%s", d.cfg.DataDir, d.cfg.SocketPath)

	for {
		select {
		case <-ctx.Done():
			return d.drain(serveErr)
		case <-ticker.C:
			d.pollAll(ctx)
		case err := <-serveErr:
			if err != nil {
				d.log.Warn("daemon: http surface stopped: %v", err)
			}
			_ = os.Remove(d.cfg.SocketPath)
			return err
		}
	}
}

func (d *Daemon) logCrashRecovery() {
	rt, err := d.reg.Resolve(registry.InboxProjectID)
	if err != nil {
		d.log.Warn("daemon: crash recovery detected but inbox unavailable: %v", err)
		return
	}
	rt.Events.Append(eventlog.Event{Type: "system.crash_recovery", Payload: map[string]any{
		"pidFile": d.cfg.PIDPath,
	}})
}

// openAllProjects resolves every discovered project and builds its
// lease manager and poller, so the first poll tick has something to
// iterate (spec.md §4.8, discovery is eager at startup).
func (d *Daemon) openAllProjects() error {
	records, err := d.reg.Discover(false)
	if err != nil {
		return fmt.Errorf("daemon: discover projects: %w", err)
	}
	for _, rec := range records {
		if rec.Err != nil {
			d.log.Warn("daemon: skipping project %s: %v", rec.ID, rec.Err)
			continue
		}
		if _, err := d.workerFor(rec.ID); err != nil {
			d.log.Warn("daemon: failed to open project %s: %v", rec.ID, err)
		}
	}
	return nil
}

func (d *Daemon) workerFor(id string) (*projectWorker, error) {
	d.mu.Lock()
	if w, ok := d.workers[id]; ok {
		d.mu.Unlock()
		return w, nil
	}
	d.mu.Unlock()

	rt, err := d.reg.Resolve(id)
	if err != nil {
		return nil, err
	}

	delegationSync := delegation.New(rt.Store, d.log)
	rt.Store.RegisterHook(delegationSync.Hook())

	leases := lease.New(rt.Store, d.log, nil, lease.WithMaxConcurrentRenewals(d.cfg.SchedulerCfg.MaxConcurrentDispatches))
	exec := d.cfg.Exec
	if exec == nil {
		exec = executor.NullAdapter{}
	}
	poller := scheduler.New(rt.Store, leases, rt.Events, exec, d.log, d.cfg.SchedulerCfg)

	w := &projectWorker{poller: poller, leases: leases}
	d.mu.Lock()
	d.workers[id] = w
	d.mu.Unlock()
	return w, nil
}

// pollAll runs one poll for every open project, discovering any
// project created since the last tick first (spec.md §4.8, "new
// project directories are picked up without a daemon restart").
func (d *Daemon) pollAll(ctx context.Context) {
	records, err := d.reg.Discover(false)
	if err != nil {
		d.log.Warn("daemon: rediscover projects failed: %v", err)
		return
	}
	for _, rec := range records {
		if rec.Err != nil {
			continue
		}
		w, err := d.workerFor(rec.ID)
		if err != nil {
			d.log.Warn("daemon: open project %s failed: %v", rec.ID, err)
			continue
		}
		if err := w.poller.PollOnce(ctx); err != nil {
			d.log.Warn("daemon: poll %s failed: %v", rec.ID, err)
		}
	}

	d.mu.Lock()
	d.lastPoll = time.Now().UTC()
	d.mu.Unlock()
}

// drain stops accepting new work and waits for the HTTP surface to
// exit, marking the process as shutting down so /healthz reflects it
// immediately (spec.md §5, "graceful drain").
func (d *Daemon) drain(serveErr <-chan error) error {
	procstate.Default.SetShuttingDown(true)
	d.log.Info("daemon: draining")
	_ = os.Remove(d.cfg.SocketPath)
	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
	}
	return nil
}
