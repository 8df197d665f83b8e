package delegation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	root := t.TempDir()
	events := eventlog.New(filepath.Join(root, "events"), nil)
	store, err := taskstore.New(root, events, nil)
	require.NoError(t, err)
	return store
}

func TestSyncAll_WritesPointerForChild(t *testing.T) {
	store := newTestStore(t)
	parent, err := store.Create(taskstore.CreateOptions{Title: "parent"})
	require.NoError(t, err)
	child, err := store.Create(taskstore.CreateOptions{Title: "child", ParentID: parent.ID, Routing: &task.Routing{Agent: "agent-a"}})
	require.NoError(t, err)

	sync := New(store, nil)
	require.NoError(t, sync.SyncAll())

	parentWorkDir, err := store.WorkingDir(parent.ID)
	require.NoError(t, err)
	pointerPath := filepath.Join(parentWorkDir, "subtasks", child.ID+".md")
	data, err := os.ReadFile(pointerPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), child.ID)
	assert.Contains(t, string(data), "agent-a")
}

func TestSyncAll_PrunesOrphanPointers(t *testing.T) {
	store := newTestStore(t)
	parent, err := store.Create(taskstore.CreateOptions{Title: "parent"})
	require.NoError(t, err)
	child, err := store.Create(taskstore.CreateOptions{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	sync := New(store, nil)
	require.NoError(t, sync.SyncAll())

	parentWorkDir, err := store.WorkingDir(parent.ID)
	require.NoError(t, err)
	subtasksDir := filepath.Join(parentWorkDir, "subtasks")

	// Simulate a stale pointer left over from a child that no longer exists.
	require.NoError(t, os.WriteFile(filepath.Join(subtasksDir, "stale-id.md"), []byte("---\nid: stale-id\n---\n"), 0o644))

	require.NoError(t, sync.SyncAll())

	_, err = os.Stat(filepath.Join(subtasksDir, "stale-id.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(subtasksDir, child.ID+".md"))
	assert.NoError(t, err)
}

func TestSyncAll_IdempotentRegeneration(t *testing.T) {
	store := newTestStore(t)
	parent, err := store.Create(taskstore.CreateOptions{Title: "parent"})
	require.NoError(t, err)
	child, err := store.Create(taskstore.CreateOptions{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	sync := New(store, nil)
	require.NoError(t, sync.SyncAll())

	parentWorkDir, err := store.WorkingDir(parent.ID)
	require.NoError(t, err)
	pointerPath := filepath.Join(parentWorkDir, "subtasks", child.ID+".md")
	before, err := os.Stat(pointerPath)
	require.NoError(t, err)

	require.NoError(t, sync.SyncAll())
	after, err := os.Stat(pointerPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestWriteHandoffArtifacts_WritesJSONAndMD(t *testing.T) {
	dir := t.TempDir()
	h := &Handoff{
		ParentTaskID:       "p1",
		ChildTaskID:        "c1",
		AcceptanceCriteria: []string{"tests pass"},
	}
	require.NoError(t, WriteHandoffArtifacts(dir, h))

	_, err := os.Stat(filepath.Join(dir, "inputs", "handoff.json"))
	assert.NoError(t, err)
	md, err := os.ReadFile(filepath.Join(dir, "inputs", "handoff.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "tests pass")
}
