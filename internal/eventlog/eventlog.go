// Package eventlog is the durable, append-only record of everything
// observable in a project: one JSONL file per UTC day, never the
// source of truth for task state. Grounded on the teacher's
// filestore.AppendLine (O_APPEND crash-safety) and its ComponentLogger
// for swallowed failures, generalized from the teacher's single
// log-everything stream to taskforge's per-project/per-day event
// stream (spec.md §4.1).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/filestore"
	"github.com/taskforge/taskforge/internal/logging"
)

// Event is one line of the log. Type is free-form. EventID is a per-day
// counter: it increases with each Append within one UTC day and starts
// again at 1 for the next day, so it is not globally unique across days.
type Event struct {
	EventID   int64          `json:"eventId"`
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Query filters a scan over one or more day files.
type Query struct {
	Type    string
	TaskID  string
	Actor   string
	FromTs  time.Time
	ToTs    time.Time
	Limit   int
}

// Subscriber is notified synchronously after an event is durably
// appended. Subscriber panics/errors are not this package's concern;
// callers register lightweight callbacks only.
type Subscriber func(Event)

// Log is an append-only event log rooted at a single project's
// events/ directory.
type Log struct {
	dir    string
	log    logging.Logger
	mu     sync.Mutex
	counters map[string]int64 // date string -> last eventId issued
	subs   []Subscriber
}

// New returns a Log that writes under dir (normally
// "<projectRoot>/events").
func New(dir string, log logging.Logger) *Log {
	return &Log{dir: dir, log: logging.OrNop(log), counters: map[string]int64{}}
}

// Subscribe registers fn to be called after every successful Append.
func (l *Log) Subscribe(fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Log) pathFor(day string) string {
	return filepath.Join(l.dir, day+".jsonl")
}

// Append durably appends ev. Errors are logged and swallowed: a
// logging failure must never block the caller that produced the state
// change (spec.md §4.1, "Failure").
func (l *Log) Append(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	day := ev.Timestamp.UTC().Format("2006-01-02")

	l.mu.Lock()
	l.counters[day]++
	ev.EventID = l.counters[day]
	subs := append([]Subscriber(nil), l.subs...)
	l.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		l.log.Error("eventlog: marshal failed: %v", err)
		return
	}
	if err := filestore.AppendLine(l.pathFor(day), data); err != nil {
		l.log.Error("eventlog: append failed (type=%s taskId=%s): %v", ev.Type, ev.TaskID, err)
		return
	}
	for _, sub := range subs {
		sub(ev)
	}
}

// LastEventAt scans the most recent day file present and returns the
// timestamp of its last well-formed line. Returns the zero time if no
// event has ever been recorded.
func (l *Log) LastEventAt() time.Time {
	days, err := l.listDays()
	if err != nil || len(days) == 0 {
		return time.Time{}
	}
	last := days[len(days)-1]
	events, err := l.readDay(last)
	if err != nil || len(events) == 0 {
		return time.Time{}
	}
	return events[len(events)-1].Timestamp
}

// Query scans the day files covered by q.FromTs..q.ToTs (or every day
// file if both are zero) and returns matching events, oldest first,
// bounded by q.Limit when positive.
func (l *Log) Query(q Query) ([]Event, error) {
	days, err := l.listDays()
	if err != nil {
		return nil, fmt.Errorf("eventlog: list days: %w", err)
	}

	var out []Event
	for _, day := range days {
		if !dayInRange(day, q.FromTs, q.ToTs) {
			continue
		}
		events, err := l.readDay(day)
		if err != nil {
			return nil, fmt.Errorf("eventlog: read day %s: %w", day, err)
		}
		for _, ev := range events {
			if !matches(ev, q) {
				continue
			}
			out = append(out, ev)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func dayInRange(day string, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return true
	}
	if !from.IsZero() && t.Before(from.Truncate(24*time.Hour)) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func matches(ev Event, q Query) bool {
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if q.TaskID != "" && ev.TaskID != q.TaskID {
		return false
	}
	if q.Actor != "" && ev.Actor != q.Actor {
		return false
	}
	if !q.FromTs.IsZero() && ev.Timestamp.Before(q.FromTs) {
		return false
	}
	if !q.ToTs.IsZero() && ev.Timestamp.After(q.ToTs) {
		return false
	}
	return true
}

func (l *Log) listDays() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		days = append(days, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(days)
	return days, nil
}

// readDay parses one day file, skipping malformed lines with a warning
// rather than failing the whole scan (spec.md §4.1, "query").
func (l *Log) readDay(day string) ([]Event, error) {
	f, err := os.Open(l.pathFor(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.log.Warn("eventlog: skipping malformed line %s:%d: %v", day, lineNo, err)
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}
