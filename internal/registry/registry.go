package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/taskstore"
)

// manifestCacheSize bounds the LRU of parsed manifests; a few dozen
// concurrently-active projects comfortably fit without re-parsing
// project.yaml on every poll (spec.md §4.8, §4.5 "Inputs per poll").
const manifestCacheSize = 256

// ProjectRuntime bundles the opened, project-scoped subsystems a
// caller needs once a project id has been resolved.
type ProjectRuntime struct {
	ID     string
	Path   string
	Store  *taskstore.Store
	Events *eventlog.Log
}

// Registry discovers project directories under root/projects and opens
// their task stores and event logs on demand, caching both the parsed
// manifest and the opened runtime per project id.
type Registry struct {
	root string
	log  logging.Logger

	manifests *lru.Cache[string, Manifest]

	mu       sync.Mutex
	runtimes map[string]*ProjectRuntime
}

// New returns a Registry rooted at root (the directory containing
// projects/).
func New(root string, log logging.Logger) (*Registry, error) {
	cache, err := lru.New[string, Manifest](manifestCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: init manifest cache: %w", err)
	}
	return &Registry{
		root:      root,
		log:       logging.OrNop(log),
		manifests: cache,
		runtimes:  map[string]*ProjectRuntime{},
	}, nil
}

func (r *Registry) projectsDir() string {
	return filepath.Join(r.root, "projects")
}

func (r *Registry) projectDir(id string) string {
	return filepath.Join(r.projectsDir(), id)
}

// Discover lists every project under root/projects, parsing each
// project.yaml. _inbox is always included, synthesized if absent.
// Archived projects are excluded unless includeArchived is true
// (spec.md §4.8).
func (r *Registry) Discover(includeArchived bool) ([]Record, error) {
	ids, err := r.listProjectDirs()
	if err != nil {
		return nil, fmt.Errorf("registry: list project dirs: %w", err)
	}
	if !contains(ids, InboxProjectID) {
		ids = append(ids, InboxProjectID)
		sort.Strings(ids)
	}

	var records []Record
	for _, id := range ids {
		rec := r.loadRecord(id)
		if rec.Manifest != nil && rec.Manifest.Archived() && !includeArchived {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) listProjectDirs() ([]string, error) {
	entries, err := os.ReadDir(r.projectsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Registry) loadRecord(id string) Record {
	if m, ok := r.manifests.Get(id); ok {
		return Record{ID: id, Path: r.projectDir(id), Manifest: &m}
	}

	path := filepath.Join(r.projectDir(id), "project.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if id == InboxProjectID {
			m := defaultInboxManifest()
			r.manifests.Add(id, m)
			return Record{ID: id, Path: r.projectDir(id), Manifest: &m}
		}
		return Record{ID: id, Path: r.projectDir(id), Err: fmt.Errorf("registry: %s: no project.yaml", id)}
	}
	if err != nil {
		return Record{ID: id, Path: r.projectDir(id), Err: fmt.Errorf("registry: read %s: %w", path, err)}
	}

	m, err := ParseManifest(data)
	if err != nil {
		return Record{ID: id, Path: r.projectDir(id), Err: err}
	}
	if m.ID == "" {
		m.ID = id
	}
	r.manifests.Add(id, m)
	return Record{ID: id, Path: r.projectDir(id), Manifest: &m}
}

// Exists reports whether id names a known project: the reserved
// _inbox id, a directory already opened this process, or a directory
// present on disk under root/projects. Used by the protocol router to
// reject an envelope's projectId before it touches the filesystem
// further (spec.md §4.7, "reject invalid_project_id if unknown").
func (r *Registry) Exists(id string) bool {
	if id == InboxProjectID {
		return true
	}
	r.mu.Lock()
	_, opened := r.runtimes[id]
	r.mu.Unlock()
	if opened {
		return true
	}
	info, err := os.Stat(r.projectDir(id))
	return err == nil && info.IsDir()
}

// Manifest returns id's parsed project.yaml, loading and caching it if
// necessary. Used by callers (the protocol router's authorization
// check) that need the project's owning team/lead without opening its
// full runtime (spec.md §8, scenario 5 "permission enforcement").
func (r *Registry) Manifest(id string) (*Manifest, error) {
	rec := r.loadRecord(id)
	if rec.Err != nil {
		return nil, rec.Err
	}
	return rec.Manifest, nil
}

// Resolve opens (or returns the cached) task store and event log for
// project id, creating its directory tree on first use.
func (r *Registry) Resolve(id string) (*ProjectRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.runtimes[id]; ok {
		return rt, nil
	}

	root := r.projectDir(id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create project dir %s: %w", id, err)
	}

	eventsDir := filepath.Join(root, "events")
	events := eventlog.New(eventsDir, r.log)

	store, err := taskstore.New(root, events, r.log)
	if err != nil {
		return nil, fmt.Errorf("registry: open store for %s: %w", id, err)
	}

	rt := &ProjectRuntime{ID: id, Path: root, Store: store, Events: events}
	r.runtimes[id] = rt
	return rt, nil
}

// InvalidateManifest drops id's cached manifest, forcing the next
// Discover/loadRecord to re-read project.yaml from disk.
func (r *Registry) InvalidateManifest(id string) {
	r.manifests.Remove(id)
}

// Runtimes returns every currently-opened project runtime, sorted by
// id, for callers that need to iterate all of them.
func (r *Registry) Runtimes() []*ProjectRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*ProjectRuntime, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.runtimes[id])
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
