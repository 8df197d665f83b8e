package protocol

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskstore"
)

func newTestRouter(t *testing.T, projectID string, owner registry.Owner, cfg Config) (*Router, *registry.Registry, *registry.ProjectRuntime) {
	t.Helper()
	root := t.TempDir()
	projectDir := filepath.Join(root, "projects", projectID)
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	manifest := registry.Manifest{ID: projectID, Title: "Test project", Owner: owner, Status: "active"}
	data, err := yaml.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "project.yaml"), data, 0o644))

	reg, err := registry.New(root, nil)
	require.NoError(t, err)
	rt, err := reg.Resolve(projectID)
	require.NoError(t, err)

	return New(reg, nil, cfg), reg, rt
}

func envelope(projectID, typ, taskID, fromAgent string, payload any) *Envelope {
	raw, _ := json.Marshal(payload)
	return &Envelope{
		Protocol:  ProtocolName,
		Version:   ProtocolVersion,
		ProjectID: projectID,
		Type:      EnvelopeType(typ),
		TaskID:    taskID,
		FromAgent: fromAgent,
		SentAt:    time.Now().UTC(),
		Payload:   raw,
	}
}

func TestDispatch_RejectsUnknownProject(t *testing.T) {
	router, _, _ := newTestRouter(t, "proj-a", registry.Owner{}, Config{})
	env := envelope("does-not-exist", "status.update", "t1", "agent-a", map[string]any{})
	_, err := router.Dispatch(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_project_id")
}

func TestStatusUpdate_UnauthorizedAgentRejected(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{Team: "core", Lead: "lead-1"}, Config{})
	tk, err := rt.Store.Create(taskstore.CreateOptions{Title: "do the thing", Routing: &task.Routing{Agent: "b", Team: "core"}})
	require.NoError(t, err)
	rt.Store.Transition(tk.ID, task.StatusReady, taskstore.TransitionOptions{})

	env := envelope("proj-a", "status.update", tk.ID, "a", map[string]any{"status": "in-progress"})
	_, err = router.Dispatch(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestStatusUpdate_TeamLeadOverrideAccepted(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{Team: "core", Lead: "lead-1"}, Config{})
	tk, err := rt.Store.Create(taskstore.CreateOptions{Title: "do the thing", Routing: &task.Routing{Agent: "b", Team: "core"}})
	require.NoError(t, err)
	rt.Store.Transition(tk.ID, task.StatusReady, taskstore.TransitionOptions{})

	env := envelope("proj-a", "status.update", tk.ID, "lead-1", map[string]any{"workLog": "reassigning"})
	res, err := router.Dispatch(env)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, res.Meta["taskId"])
}

func TestStatusUpdate_BlockCascadeOptIn(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{}, Config{CascadeBlocks: false})
	parent, err := rt.Store.Create(taskstore.CreateOptions{Title: "parent", Routing: &task.Routing{Agent: "p-agent"}})
	require.NoError(t, err)
	rt.Store.Transition(parent.ID, task.StatusReady, taskstore.TransitionOptions{})
	rt.Store.Transition(parent.ID, task.StatusInProgress, taskstore.TransitionOptions{})

	child, err := rt.Store.Create(taskstore.CreateOptions{Title: "child", DependsOn: []string{parent.ID}})
	require.NoError(t, err)

	env := envelope("proj-a", "status.update", parent.ID, "p-agent", map[string]any{"status": "blocked"})
	_, err = router.Dispatch(env)
	require.NoError(t, err)

	got, err := rt.Store.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBacklog, got.Status, "cascadeBlocks disabled: child must be untouched")

	// Re-run with cascade enabled in a fresh project: parent in-progress -> blocked.
	router2, _, rt2 := newTestRouter(t, "proj-b", registry.Owner{}, Config{CascadeBlocks: true})
	parent2, err := rt2.Store.Create(taskstore.CreateOptions{Title: "parent", Routing: &task.Routing{Agent: "p-agent"}})
	require.NoError(t, err)
	rt2.Store.Transition(parent2.ID, task.StatusReady, taskstore.TransitionOptions{})
	rt2.Store.Transition(parent2.ID, task.StatusInProgress, taskstore.TransitionOptions{})
	child2, err := rt2.Store.Create(taskstore.CreateOptions{Title: "child", DependsOn: []string{parent2.ID}})
	require.NoError(t, err)

	env2 := envelope("proj-b", "status.update", parent2.ID, "p-agent", map[string]any{"status": "blocked"})
	_, err = router2.Dispatch(env2)
	require.NoError(t, err)

	gotChild2, err := rt2.Store.Get(child2.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, gotChild2.Status)

	events, err := rt2.Events.Query(eventlog.Query{Type: "dependency.cascaded"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, child2.ID, events[0].TaskID)
}

func TestCompletionReport_CompleteMovesToDone(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{}, Config{ReviewRequired: false})
	tk, err := rt.Store.Create(taskstore.CreateOptions{Title: "t", Routing: &task.Routing{Agent: "agent-a"}})
	require.NoError(t, err)
	rt.Store.Transition(tk.ID, task.StatusReady, taskstore.TransitionOptions{})
	rt.Store.Transition(tk.ID, task.StatusInProgress, taskstore.TransitionOptions{})

	env := envelope("proj-a", "completion.report", tk.ID, "agent-a", map[string]any{"outcome": "complete"})
	res, err := router.Dispatch(env)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Meta["status"])
}

func TestHandoffRequest_DepthCapRejectsNestedDelegation(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{}, Config{})
	parent, err := rt.Store.Create(taskstore.CreateOptions{
		Title:    "parent",
		Metadata: map[string]any{"delegationDepth": 1},
	})
	require.NoError(t, err)
	child, err := rt.Store.Create(taskstore.CreateOptions{Title: "child", ParentID: parent.ID, Routing: &task.Routing{Agent: "agent-a"}})
	require.NoError(t, err)

	env := envelope("proj-a", "handoff.request", child.ID, "agent-a", map[string]any{
		"taskId":       child.ID,
		"parentTaskId": parent.ID,
		"toAgent":      "agent-b",
	})
	_, err = router.Dispatch(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested_delegation")

	got, err := rt.Store.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.Routing.Agent, "child routing must be unchanged")

	events, err := rt.Events.Query(eventlog.Query{Type: "delegation.rejected"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestHandoffRequest_WithinDepthCapSucceeds(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{}, Config{})
	parent, err := rt.Store.Create(taskstore.CreateOptions{Title: "parent"})
	require.NoError(t, err)
	child, err := rt.Store.Create(taskstore.CreateOptions{Title: "child", ParentID: parent.ID, Routing: &task.Routing{Agent: "agent-a"}})
	require.NoError(t, err)

	env := envelope("proj-a", "handoff.request", child.ID, "agent-a", map[string]any{
		"taskId":             child.ID,
		"parentTaskId":       parent.ID,
		"toAgent":            "agent-b",
		"acceptanceCriteria": []string{"tests pass"},
	})
	res, err := router.Dispatch(env)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", res.Meta["toAgent"])

	got, err := rt.Store.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", got.Routing.Agent)
	assert.Equal(t, 1, got.Metadata["delegationDepth"])

	workDir, err := rt.Store.WorkingDir(child.ID)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(workDir, "inputs", "handoff.json"))
	require.NoError(t, err)
}

func TestHandoffAck_OnlyReceivingAgentMayReject(t *testing.T) {
	router, _, rt := newTestRouter(t, "proj-a", registry.Owner{}, Config{})
	tk, err := rt.Store.Create(taskstore.CreateOptions{Title: "t", Routing: &task.Routing{Agent: "agent-b"}})
	require.NoError(t, err)

	env := envelope("proj-a", "handoff.rejected", tk.ID, "agent-a", map[string]any{"reason": "too busy"})
	_, err = router.Dispatch(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	env2 := envelope("proj-a", "handoff.rejected", tk.ID, "agent-b", map[string]any{"reason": "too busy"})
	_, err = router.Dispatch(env2)
	require.NoError(t, err)

	got, err := rt.Store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
}
