// Package taskstore is the ground truth for tasks: a filesystem-native
// store that enforces the lifecycle state machine and writes every
// mutation atomically. Grounded on the teacher's
// internal/app/scheduler.FileJobStore (atomic JSON-per-id files guarded
// by a store-wide mutex) and internal/domain/task.Store (the
// Create/Get/SetStatus/List port shape), generalized from the teacher's
// single-directory job store to taskforge's per-status-directory task
// card layout with file moves on transition (spec.md §4.2).
package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/eventlog"
	"github.com/taskforge/taskforge/internal/filestore"
	"github.com/taskforge/taskforge/internal/idgen"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/taskerr"
)

// Hook is invoked after every accepted transition, once the new card is
// durably on disk. The delegation synchronizer registers here to
// refresh pointer files (spec.md §4.2, "Store hooks").
type Hook func(prev *task.Task, next *task.Task)

// Store is the task store for a single project root (the directory
// that directly contains project.yaml, tasks/, and events/).
type Store struct {
	root string
	log  logging.Logger
	events *eventlog.Log
	clock  func() time.Time

	locks *keyedLock

	mu    sync.RWMutex
	index map[string]task.Status // task id -> directory it currently lives in
	hooks []Hook
}

// Option customises a new Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps; tests use this to
// pin time.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New opens (or initializes) the task store rooted at root, ensuring
// every status directory exists, then builds the in-memory id->status
// index from whatever is already on disk.
func New(root string, events *eventlog.Log, log logging.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		log:    logging.OrNop(log),
		events: events,
		clock:  func() time.Time { return time.Now().UTC() },
		locks:  newKeyedLock(),
		index:  map[string]task.Status{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, st := range task.AllStatuses {
		if err := os.MkdirAll(s.taskDir(st), 0o755); err != nil {
			return nil, fmt.Errorf("taskstore: init status dir %s: %w", st, err)
		}
	}
	if err := s.scan(); err != nil {
		return nil, fmt.Errorf("taskstore: initial scan: %w", err)
	}
	return s, nil
}

// Root returns the project root directory this store is scoped to.
func (s *Store) Root() string { return s.root }

// RegisterHook adds fn to the set of post-transition hooks.
func (s *Store) RegisterHook(fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) taskDir(status task.Status) string {
	return filepath.Join(s.root, "tasks", string(status))
}

func (s *Store) cardPath(status task.Status, id string) string {
	return filepath.Join(s.taskDir(status), id+".md")
}

func (s *Store) workDir(status task.Status, id string) string {
	return filepath.Join(s.taskDir(status), id)
}

func (s *Store) emit(evType, taskID, actor string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Append(eventlog.Event{
		Type:    evType,
		TaskID:  taskID,
		Actor:   actor,
		Payload: payload,
	})
}

// CreateOptions are the inputs to Create (spec.md §4.2, "create").
type CreateOptions struct {
	Title     string
	Body      string
	Priority  task.Priority
	Routing   *task.Routing
	ParentID  string
	DependsOn []string
	Metadata  map[string]any
	CreatedBy string
}

// Create persists a new task in backlog with a freshly generated id.
func (s *Store) Create(opts CreateOptions) (*task.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return nil, taskerr.New(taskerr.KindValidation, "taskstore.Create", fmt.Errorf("title is required"))
	}
	priority := opts.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}

	for _, dep := range opts.DependsOn {
		if _, err := s.Get(dep); err != nil {
			return nil, taskerr.New(taskerr.KindValidation, "taskstore.Create", fmt.Errorf("dependency target %q: %w", dep, err))
		}
	}

	id := idgen.NewTaskID()
	if err := s.withUniqueID(&id); err != nil {
		return nil, err
	}

	now := s.clock()
	t := &task.Task{
		ID:               id,
		Title:            opts.Title,
		Body:             opts.Body,
		Status:           task.StatusBacklog,
		Priority:         priority,
		Routing:          opts.Routing,
		ParentID:         opts.ParentID,
		DependsOn:        opts.DependsOn,
		CreatedBy:        opts.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		Extra:            map[string]any{},
	}
	for k, v := range opts.Metadata {
		t.EnsureMetadata()[k] = v
	}
	t.RecomputeContentHash()

	if err := s.writeCard(task.StatusBacklog, t); err != nil {
		return nil, err
	}
	if err := s.ensureWorkingDirs(task.StatusBacklog, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index[id] = task.StatusBacklog
	s.mu.Unlock()

	s.emit("task.created", id, opts.CreatedBy, map[string]any{"title": opts.Title, "status": string(task.StatusBacklog)})
	return t, nil
}

// withUniqueID guards against the vanishingly unlikely id collision by
// regenerating until the index (and disk) shows no existing entry.
func (s *Store) withUniqueID(id *string) error {
	for i := 0; i < 5; i++ {
		s.mu.RLock()
		_, exists := s.index[*id]
		s.mu.RUnlock()
		if !exists {
			return nil
		}
		*id = idgen.NewTaskID()
	}
	return taskerr.New(taskerr.KindConcurrency, "taskstore.Create", fmt.Errorf("could not allocate a unique task id"))
}

func (s *Store) writeCard(status task.Status, t *task.Task) error {
	t.Status = status
	data, err := t.Serialize()
	if err != nil {
		return taskerr.New(taskerr.KindPermanent, "taskstore.writeCard", err)
	}
	if err := filestore.AtomicWrite(s.cardPath(status, t.ID), data, 0o644); err != nil {
		return taskerr.New(taskerr.KindTransient, "taskstore.writeCard", err)
	}
	return nil
}

func (s *Store) ensureWorkingDirs(status task.Status, id string) error {
	dir := s.workDir(status, id)
	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return taskerr.New(taskerr.KindTransient, "taskstore.ensureWorkingDirs", err)
		}
	}
	return nil
}

// Get returns the task with the given id, or a KindNotFound error.
func (s *Store) Get(id string) (*task.Task, error) {
	status, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	return s.readCard(status, id)
}

func (s *Store) readCard(status task.Status, id string) (*task.Task, error) {
	data, err := os.ReadFile(s.cardPath(status, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, taskerr.New(taskerr.KindNotFound, "taskstore.readCard", fmt.Errorf("task %q", id))
		}
		return nil, taskerr.New(taskerr.KindTransient, "taskstore.readCard", err)
	}
	t, err := task.ParseCard(data)
	if err != nil {
		return nil, taskerr.New(taskerr.KindCorruption, "taskstore.readCard", err)
	}
	return t, nil
}

// GetByPrefix resolves a (possibly abbreviated) id prefix to exactly
// one task. Ambiguous or empty matches are reported as KindNotFound.
func (s *Store) GetByPrefix(prefix string) (*task.Task, error) {
	s.mu.RLock()
	var matches []string
	for id := range s.index {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	s.mu.RUnlock()

	if len(matches) == 0 {
		return nil, taskerr.New(taskerr.KindNotFound, "taskstore.GetByPrefix", fmt.Errorf("no task matches prefix %q", prefix))
	}
	if len(matches) > 1 {
		sort.Strings(matches)
		return nil, taskerr.New(taskerr.KindValidation, "taskstore.GetByPrefix", fmt.Errorf("prefix %q is ambiguous: %s", prefix, strings.Join(matches, ", ")))
	}
	return s.Get(matches[0])
}

// ListFilter narrows List to a subset of tasks.
type ListFilter struct {
	Status *task.Status
	Agent  string
	Team   string
}

// List returns every task matching filter, sorted by id for a stable
// iteration order.
func (s *Store) List(filter ListFilter) ([]*task.Task, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.index))
	statuses := make(map[string]task.Status, len(s.index))
	for id, st := range s.index {
		ids = append(ids, id)
		statuses[id] = st
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []*task.Task
	for _, id := range ids {
		if filter.Status != nil && statuses[id] != *filter.Status {
			continue
		}
		t, err := s.readCard(statuses[id], id)
		if err != nil {
			s.log.Warn("taskstore: skipping %s during list: %v", id, err)
			continue
		}
		if filter.Agent != "" && (t.Routing == nil || t.Routing.Agent != filter.Agent) {
			continue
		}
		if filter.Team != "" && (t.Routing == nil || t.Routing.Team != filter.Team) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CountByStatus returns the number of tasks currently in each status.
func (s *Store) CountByStatus() map[task.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[task.Status]int, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		counts[st] = 0
	}
	for _, st := range s.index {
		counts[st]++
	}
	return counts
}

// locate finds which status directory currently holds id.
func (s *Store) locate(id string) (task.Status, error) {
	s.mu.RLock()
	status, ok := s.index[id]
	s.mu.RUnlock()
	if ok {
		return status, nil
	}
	return "", taskerr.New(taskerr.KindNotFound, "taskstore.locate", fmt.Errorf("task %q", id))
}

// Delete permanently removes a task's card and working directory.
// Reports false (no error) if the task was already absent.
func (s *Store) Delete(id string) (bool, error) {
	var removed bool
	err := s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return nil
		}
		if err := os.Remove(s.cardPath(status, id)); err != nil && !os.IsNotExist(err) {
			return taskerr.New(taskerr.KindTransient, "taskstore.Delete", err)
		}
		if err := os.RemoveAll(s.workDir(status, id)); err != nil {
			return taskerr.New(taskerr.KindTransient, "taskstore.Delete", err)
		}
		s.mu.Lock()
		delete(s.index, id)
		s.mu.Unlock()
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.emit("task.deleted", id, "", nil)
	}
	return removed, nil
}
