// Package executor defines the dispatcher's contract with whatever
// actually runs an agent (a subprocess bridge, a remote platform API,
// or a test double), plus a MockAdapter and NullAdapter for wiring
// without a live agent runtime. Grounded on the teacher's
// internal/infra/external/bridge.Executor (spawn/force-complete shaped
// port over an external process) and its func-field MockLLMClient
// pattern in internal/agent/ports/mocks for the test double (spec.md
// §4.6).
package executor

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/task"
)

// TaskContext is everything an executor needs to spawn an agent
// against one task.
type TaskContext struct {
	TaskID      string
	TaskPath    string
	Agent       string
	Priority    task.Priority
	Routing     *task.Routing
	ProjectID   string
	ProjectRoot string
	TaskRelpath string
	GateContext string // rendered gate checkpoint description, empty if none
}

// SpawnOptions customises one spawn call.
type SpawnOptions struct {
	Timeout       time.Duration
	CorrelationID string
}

// SpawnResult is the outcome of a spawn call.
type SpawnResult struct {
	Success       bool
	SessionID     string
	Error         string
	PlatformLimit *int // non-nil when the platform advertised a lower concurrency ceiling
}

// Executor is the dispatcher's port to whatever runs an agent process
// (spec.md §4.6).
type Executor interface {
	Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (SpawnResult, error)
	ForceComplete(sessionID, reason string) error
}

// MockAdapter is a scriptable Executor for tests: each field defaults
// to a reasonable success response when nil, mirroring the teacher's
// func-field mock pattern (internal/agent/ports/mocks.MockLLMClient).
type MockAdapter struct {
	SpawnFunc         func(ctx context.Context, tc TaskContext, opts SpawnOptions) (SpawnResult, error)
	ForceCompleteFunc func(sessionID, reason string) error

	ForceCompleted []ForceCompleteCall
}

// ForceCompleteCall records one ForceComplete invocation for assertions.
type ForceCompleteCall struct {
	SessionID string
	Reason    string
}

func (m *MockAdapter) Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (SpawnResult, error) {
	if m.SpawnFunc != nil {
		return m.SpawnFunc(ctx, tc, opts)
	}
	return SpawnResult{Success: true, SessionID: "mock-session-" + tc.TaskID}, nil
}

func (m *MockAdapter) ForceComplete(sessionID, reason string) error {
	m.ForceCompleted = append(m.ForceCompleted, ForceCompleteCall{SessionID: sessionID, Reason: reason})
	if m.ForceCompleteFunc != nil {
		return m.ForceCompleteFunc(sessionID, reason)
	}
	return nil
}

// NullAdapter always reports failure without side effects, for
// environments with no agent runtime wired in yet (a dry-run daemon,
// or a project whose routing resolves to no live adapter).
type NullAdapter struct{}

func (NullAdapter) Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (SpawnResult, error) {
	return SpawnResult{Success: false, Error: "no such agent: no executor adapter configured"}, nil
}

func (NullAdapter) ForceComplete(sessionID, reason string) error {
	return nil
}
