// Command taskorchd is the long-running daemon: one process per data
// directory, polling every project's tasks and serving the unix-socket
// protocol surface (spec.md §4.9, §5). Flag-based bootstrap grounded on
// the teacher's cmd/task-orchestrator entrypoint (flag.String/Bool/
// Duration, a single Config struct, os.Exit on fatal setup errors).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/daemon"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/protocol"
	"github.com/taskforge/taskforge/internal/scheduler"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", ".", "Root directory containing projects/")
		socketPath   = flag.String("socket", "", "Unix domain socket path (default: <data-dir>/taskorchd.sock)")
		pidPath      = flag.String("pid-file", "", "PID file path (default: <data-dir>/taskorchd.pid)")
		pollInterval = flag.Duration("poll-interval", 10*time.Second, "How often the scheduler polls each project")
		concurrency  = flag.Int("max-concurrent-dispatches", 4, "Max simultaneous agent spawns per project")
		maxPerPoll   = flag.Int("max-dispatches-per-poll", 4, "Max dispatches planned in a single poll")
		minDispatchInterval = flag.Duration("min-dispatch-interval", 2*time.Second, "Minimum time between two dispatches for the same team")
		leaseTTL     = flag.Duration("lease-ttl", 5*time.Minute, "Default lease time-to-live")
		heartbeatTTL = flag.Duration("heartbeat-ttl", 2*time.Minute, "Heartbeat staleness threshold")
		spawnTimeout = flag.Duration("spawn-timeout", 30*time.Second, "Timeout for a single agent spawn call")
		maxRetries   = flag.Int("max-retries", 3, "Retries before a task escalates to deadletter")
		breakerThreshold = flag.Int("circuit-breaker-threshold", 5, "Consecutive team dispatch failures before its breaker trips")
		breakerTimeout   = flag.Duration("circuit-breaker-timeout", 30*time.Second, "Cooldown before a tripped team's breaker allows a recovery trial")
		cascade      = flag.Bool("cascade-blocks", false, "Propagate status.update blocks to dependents")
		reviewFirst  = flag.Bool("review-required", false, "Route completion.report 'complete' outcomes through review")
		logLevel     = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	)
	flag.Parse()

	if strings.TrimSpace(*dataDir) == "" {
		fmt.Fprintln(os.Stderr, "--data-dir is required")
		os.Exit(2)
	}
	if *socketPath == "" {
		*socketPath = filepath.Join(*dataDir, "taskorchd.sock")
	}
	if *pidPath == "" {
		*pidPath = filepath.Join(*dataDir, "taskorchd.pid")
	}

	log := logging.New(logging.Config{Component: "taskorchd", MinLevel: parseLevel(*logLevel)})

	cfg := daemon.Config{
		DataDir:    *dataDir,
		SocketPath: *socketPath,
		PIDPath:    *pidPath,
		SchedulerCfg: scheduler.Config{
			MaxConcurrentDispatches: *concurrency,
			MaxDispatchesPerPoll:    *maxPerPoll,
			MinDispatchInterval:     *minDispatchInterval,
			DefaultLeaseTTL:         *leaseTTL,
			HeartbeatTTL:            *heartbeatTTL,
			SpawnTimeout:            *spawnTimeout,
			PollInterval:            *pollInterval,
			MaxRetries:              *maxRetries,
			CircuitBreakerThreshold: *breakerThreshold,
			CircuitBreakerTimeout:   *breakerTimeout,
		},
		ProtocolCfg: protocol.Config{
			CascadeBlocks:  *cascade,
			ReviewRequired: *reviewFirst,
		},
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "daemon exited: %v\n", err)
		os.Exit(1)
	}
}

func parseLevel(value string) logging.Level {
	switch strings.ToLower(value) {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
