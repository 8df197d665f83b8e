package taskstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/task"
)

func newTestStore(t *testing.T) (*Store, *eventlog.Log) {
	t.Helper()
	root := t.TempDir()
	events := eventlog.New(filepath.Join(root, "events"), nil)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	s, err := New(root, events, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return s, events
}

func TestCreate_WritesBacklogCardAndWorkingDirs(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "write the launch doc", CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusBacklog, tk.Status)
	assert.Equal(t, task.PriorityNormal, tk.Priority)

	path, err := s.CardPath(tk.ID)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	workDir, err := s.WorkingDir(tk.ID)
	require.NoError(t, err)
	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		_, err := os.Stat(filepath.Join(workDir, sub))
		assert.NoError(t, err)
	}
}

func TestCreate_RejectsMissingDependencyTarget(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateOptions{Title: "x", DependsOn: []string{"nope"}})
	assert.Error(t, err)
}

func TestGetByPrefix_AmbiguousAndNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	got, err := s.GetByPrefix(tk.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)

	_, err = s.GetByPrefix("zzz-does-not-exist")
	assert.Error(t, err)
}

func TestTransition_MovesCardBetweenStatusDirs(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	_, err = s.Transition(tk.ID, task.StatusReady, TransitionOptions{Reason: "deps satisfied"})
	require.NoError(t, err)

	backlogPath := filepath.Join(s.taskDir(task.StatusBacklog), tk.ID+".md")
	_, err = os.Stat(backlogPath)
	assert.True(t, os.IsNotExist(err))

	readyPath := filepath.Join(s.taskDir(task.StatusReady), tk.ID+".md")
	_, err = os.Stat(readyPath)
	assert.NoError(t, err)

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	_, err = s.Transition(tk.ID, task.StatusDone, TransitionOptions{})
	assert.Error(t, err)
}

func TestTransition_RejectsTerminalSource(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)
	_, err = s.Cancel(tk.ID, "no longer needed")
	require.NoError(t, err)

	_, err = s.Transition(tk.ID, task.StatusReady, TransitionOptions{})
	assert.Error(t, err)
}

func TestComplete_WalksLifecyclePathAndEmitsEventPerHop(t *testing.T) {
	s, events := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	got, err := s.Complete(tk.ID, CompleteOptions{ViaReview: true, Reason: "agent reported done"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)

	evs, err := events.Query(eventlog.Query{TaskID: tk.ID, Type: "task.transitioned"})
	require.NoError(t, err)
	assert.Len(t, evs, 4) // ready, in-progress, review, done
}

func TestUpdate_RejectsOnTerminalTask(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)
	_, err = s.Cancel(tk.ID, "cancelled")
	require.NoError(t, err)

	title := "new title"
	_, err = s.Update(tk.ID, Patch{Title: &title})
	assert.Error(t, err)
}

func TestAddDep_RejectsCycle(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.Create(CreateOptions{Title: "a"})
	require.NoError(t, err)
	b, err := s.Create(CreateOptions{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	err = s.AddDep(a.ID, b.ID)
	assert.Error(t, err)
}

func TestWriteTaskOutput_WritesUnderOutputsDir(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	err = s.WriteTaskOutput(tk.ID, "result.txt", []byte("done"))
	require.NoError(t, err)

	workDir, err := s.WorkingDir(tk.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(workDir, "outputs", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestCountByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateOptions{Title: "a"})
	require.NoError(t, err)
	b, err := s.Create(CreateOptions{Title: "b"})
	require.NoError(t, err)
	_, err = s.Transition(b.ID, task.StatusReady, TransitionOptions{})
	require.NoError(t, err)

	counts := s.CountByStatus()
	assert.Equal(t, 1, counts[task.StatusBacklog])
	assert.Equal(t, 1, counts[task.StatusReady])
}

func TestDelete_RemovesCardAndWorkingDir(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	ok, err := s.Delete(tk.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(tk.ID)
	assert.Error(t, err)

	ok, err = s.Delete(tk.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterHook_FiresOnTransition(t *testing.T) {
	s, _ := newTestStore(t)
	var calls int
	s.RegisterHook(func(prev, next *task.Task) { calls++ })

	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)
	_, err = s.Transition(tk.ID, task.StatusReady, TransitionOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestLint_DetectsStatusMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	// Simulate a rename that moved the card but left a stale header.
	stale := *tk
	stale.Status = task.StatusInProgress
	data, err := stale.Serialize()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.taskDir(task.StatusBacklog), tk.ID+".md"), data, 0o644))

	findings, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, tk.ID, findings[0].TaskID)
}
