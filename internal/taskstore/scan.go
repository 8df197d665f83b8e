package taskstore

import (
	"fmt"
	"os"
	"strings"

	"github.com/taskforge/taskforge/internal/task"
)

// scan walks every status directory and rebuilds s.index from whatever
// cards are present on disk. Used at startup by New.
func (s *Store) scan() error {
	index := map[string]task.Status{}
	for _, st := range task.AllStatuses {
		entries, err := os.ReadDir(s.taskDir(st))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".md")
			if existing, ok := index[id]; ok {
				s.log.Warn("taskstore: task %s present in both %s and %s; keeping %s", id, existing, st, existing)
				continue
			}
			index[id] = st
		}
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// LintFinding describes one inconsistency found by Lint.
type LintFinding struct {
	TaskID string
	Detail string
}

// Lint re-scans the store looking for the inconsistent states an
// interrupted transition's rename failure can leave behind (spec.md
// §4.2, "Rename failure leaves a detectable inconsistent state that the
// next scan reports"): a card whose header status disagrees with the
// directory it lives in, a working directory with no card, or a card
// that fails to parse.
func (s *Store) Lint() ([]LintFinding, error) {
	var findings []LintFinding

	for _, st := range task.AllStatuses {
		entries, err := os.ReadDir(s.taskDir(st))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		cardIDs := map[string]bool{}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				cardIDs[strings.TrimSuffix(e.Name(), ".md")] = true
			}
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if !cardIDs[e.Name()] {
				findings = append(findings, LintFinding{
					TaskID: e.Name(),
					Detail: fmt.Sprintf("working directory under %s has no matching task card", st),
				})
			}
		}
		for id := range cardIDs {
			t, err := s.readCard(st, id)
			if err != nil {
				findings = append(findings, LintFinding{TaskID: id, Detail: fmt.Sprintf("card unreadable: %v", err)})
				continue
			}
			if t.Status != st {
				findings = append(findings, LintFinding{
					TaskID: id,
					Detail: fmt.Sprintf("card header status %q disagrees with directory %q", t.Status, st),
				})
			}
		}
	}
	return findings, nil
}

func (s *Store) workDirExists(status task.Status, id string) bool {
	info, err := os.Stat(s.workDir(status, id))
	return err == nil && info.IsDir()
}
