package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/taskstore"
)

func writeManifest(t *testing.T, root, id, body string) {
	t.Helper()
	dir := filepath.Join(root, "projects", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(body), 0o644))
}

func TestDiscoverIncludesSynthesizedInbox(t *testing.T) {
	root := t.TempDir()
	reg, err := New(root, nil)
	require.NoError(t, err)

	records, err := reg.Discover(false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, InboxProjectID, records[0].ID)
	assert.Equal(t, "Inbox", records[0].Manifest.Title)
}

func TestDiscoverParsesManifestsAndExcludesArchived(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "acme", "id: acme\ntitle: Acme\nstatus: active\nowner:\n  team: platform\n  lead: ada\n")
	writeManifest(t, root, "legacy", "id: legacy\ntitle: Legacy\nstatus: archived\n")

	reg, err := New(root, nil)
	require.NoError(t, err)

	records, err := reg.Discover(false)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, r := range records {
		ids[r.ID] = true
	}
	assert.True(t, ids["acme"])
	assert.True(t, ids[InboxProjectID])
	assert.False(t, ids["legacy"], "archived project excluded by default")

	withArchived, err := reg.Discover(true)
	require.NoError(t, err)
	ids = map[string]bool{}
	for _, r := range withArchived {
		ids[r.ID] = true
	}
	assert.True(t, ids["legacy"], "archived project included when requested")
}

func TestResolveOpensStoreAndIsCached(t *testing.T) {
	root := t.TempDir()
	reg, err := New(root, nil)
	require.NoError(t, err)

	rt1, err := reg.Resolve(InboxProjectID)
	require.NoError(t, err)
	require.NotNil(t, rt1.Store)

	rt2, err := reg.Resolve(InboxProjectID)
	require.NoError(t, err)
	assert.Same(t, rt1, rt2, "second Resolve returns the cached runtime")

	created, err := rt1.Store.Create(taskstore.CreateOptions{Title: "triage"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}
