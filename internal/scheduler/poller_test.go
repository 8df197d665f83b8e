package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/runartifact"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

var uuidV4Re = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// TestPollOnce_DispatchWithCorrelationID mirrors spec.md §8 scenario 1:
// a single ready task gets assigned, its correlation id is a UUIDv4,
// and the mock session id lands in metadata alongside a
// dispatch.matched event carrying the same correlation id.
func TestPollOnce_DispatchWithCorrelationID(t *testing.T) {
	mock := &executor.MockAdapter{}
	p, store := newTestPoller(t, mock)
	tk := routableTask(t, store, "test-agent", "platform")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.PollOnce(ctx))

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)

	correlationID, _ := got.Metadata["correlationId"].(string)
	assert.Regexp(t, uuidV4Re, correlationID)

	sessionID, _ := got.Metadata["sessionId"].(string)
	assert.Equal(t, "mock-session-"+tk.ID, sessionID)

	events := readAllEvents(t, p)
	var matched bool
	for _, e := range events {
		if e.Type == "dispatch.matched" && e.TaskID == tk.ID {
			assert.Equal(t, correlationID, e.Payload["correlationId"])
			matched = true
		}
	}
	assert.True(t, matched, "expected a dispatch.matched event for %s", tk.ID)
}

// TestPollOnce_StaleHeartbeatReclaim mirrors spec.md §8 scenario 2: a
// dispatched task whose heartbeat has already expired is force-completed
// and reclaimed to ready when no run_result.json is present.
func TestPollOnce_StaleHeartbeatReclaim(t *testing.T) {
	mock := &executor.MockAdapter{}
	p, store := newTestPoller(t, mock)
	tk := routableTask(t, store, "test-agent", "platform")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.PollOnce(ctx))
	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, got.Status)
	sessionID, _ := got.Metadata["sessionId"].(string)
	correlationID, _ := got.Metadata["correlationId"].(string)

	workDir, err := store.WorkingDir(tk.ID)
	require.NoError(t, err)
	require.NoError(t, runartifact.WriteHeartbeat(workDir, &runartifact.Heartbeat{
		TaskID:        tk.ID,
		AgentID:       "test-agent",
		LastHeartbeat: time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(-time.Millisecond),
	}))

	require.NoError(t, p.PollOnce(ctx))

	got, err = store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)

	var forceCompleted bool
	for _, call := range mock.ForceCompleted {
		if call.SessionID == sessionID && call.Reason == "stale_heartbeat" {
			forceCompleted = true
		}
	}
	assert.True(t, forceCompleted)

	events := readAllEvents(t, p)
	var sawEvent bool
	for _, e := range events {
		if e.Type == "session.force_completed" && e.TaskID == tk.ID {
			assert.Equal(t, sessionID, e.Payload["sessionId"])
			assert.Equal(t, correlationID, e.Payload["correlationId"])
			sawEvent = true
		}
	}
	assert.True(t, sawEvent, "expected a session.force_completed event for %s", tk.ID)
}

// TestPollOnce_SkipsLintedCorruptTasks exercises the corruption
// propagation policy from spec.md §7: a task whose card header status
// claims "ready" while the card still physically lives in the backlog
// directory (spec.md §3.1 invariant 1 violated) is flagged by
// store.Lint, and the scheduler must refuse to dispatch it even though
// a naive read of the header alone would treat it as assignable.
func TestPollOnce_SkipsLintedCorruptTasks(t *testing.T) {
	mock := &executor.MockAdapter{}
	p, store := newTestPoller(t, mock)
	tk, err := store.Create(taskstore.CreateOptions{
		Title:   "lives in backlog but claims ready",
		Routing: &task.Routing{Agent: "test-agent", Team: "platform"},
	})
	require.NoError(t, err)

	corrupted := *tk
	corrupted.Status = task.StatusReady
	data, err := corrupted.Serialize()
	require.NoError(t, err)
	cardPath := filepath.Join(store.Root(), "tasks", string(task.StatusBacklog), tk.ID+".md")
	require.NoError(t, os.WriteFile(cardPath, data, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.PollOnce(ctx))

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Lease, "corrupt task must not be dispatched despite its header claiming ready")
	assert.Empty(t, got.Metadata["sessionId"])

	events := readAllEvents(t, p)
	var sawCorruption bool
	for _, e := range events {
		if e.Type == "store.corruption_detected" {
			sawCorruption = true
		}
	}
	assert.True(t, sawCorruption, "expected a store.corruption_detected event")
}

func readAllEvents(t *testing.T, p *Poller) []eventlog.Event {
	t.Helper()
	recs, err := p.events.Query(eventlog.Query{})
	require.NoError(t, err)
	return recs
}
