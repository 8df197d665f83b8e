package taskstore

import (
	"path/filepath"

	"github.com/taskforge/taskforge/internal/filestore"
	"github.com/taskforge/taskforge/internal/taskerr"
)

// WriteTaskOutput writes contents to <workDir>/outputs/filename for the
// task's current working directory, atomically.
func (s *Store) WriteTaskOutput(id, filename string, contents []byte) error {
	return s.locks.withLock(id, func() error {
		status, err := s.locate(id)
		if err != nil {
			return err
		}
		path := filepath.Join(s.workDir(status, id), "outputs", filename)
		if err := filestore.AtomicWrite(path, contents, 0o644); err != nil {
			return taskerr.New(taskerr.KindTransient, "taskstore.WriteTaskOutput", err)
		}
		s.emit("task.output_written", id, "", map[string]any{"filename": filename})
		return nil
	})
}

// WorkingDir returns the absolute path to id's current working
// directory (the directory containing inputs/, work/, outputs/,
// subtasks/).
func (s *Store) WorkingDir(id string) (string, error) {
	status, err := s.locate(id)
	if err != nil {
		return "", err
	}
	return s.workDir(status, id), nil
}

// CardPath returns the absolute path to id's current card file.
func (s *Store) CardPath(id string) (string, error) {
	status, err := s.locate(id)
	if err != nil {
		return "", err
	}
	return s.cardPath(status, id), nil
}
