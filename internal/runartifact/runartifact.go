// Package runartifact reads and writes the three run-lifecycle files
// every in-flight task's working directory carries: run.json,
// run_heartbeat.json, run_result.json (spec.md §3.3). Grounded on the
// teacher's internal/app/scheduler.FileJobStore atomic-JSON-per-file
// pattern, applied here to three fixed filenames per task instead of
// one file per job id.
package runartifact

import (
	"encoding/json"
	"time"

	"github.com/taskforge/taskforge/internal/filestore"
)

// RunStatus is the lifecycle of one agent run against a task.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// Run is run.json: written once on lease acquisition.
type Run struct {
	TaskID    string         `json:"taskId"`
	AgentID   string         `json:"agentId"`
	StartedAt time.Time      `json:"startedAt"`
	Status    RunStatus      `json:"status"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Heartbeat is run_heartbeat.json: periodically rewritten while the
// agent is alive.
type Heartbeat struct {
	TaskID        string    `json:"taskId"`
	AgentID       string    `json:"agentId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	BeatCount     int       `json:"beatCount"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether h's heartbeat is past its expiry at now.
func (h *Heartbeat) Expired(now time.Time) bool {
	return h == nil || now.After(h.ExpiresAt)
}

// Result is run_result.json: written by the protocol router on a
// completion.report envelope.
type Result struct {
	TaskID      string   `json:"taskId"`
	Outcome     string   `json:"outcome"` // success | failure | partial
	SummaryRef  string   `json:"summaryRef,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Tests       []string `json:"tests,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

const (
	runFile       = "run.json"
	heartbeatFile = "run_heartbeat.json"
	resultFile    = "run_result.json"
)

// WriteRun writes run.json under workDir.
func WriteRun(workDir string, r *Run) error {
	return writeJSON(workDir, runFile, r)
}

// ReadRun reads run.json, returning (nil, nil) if it doesn't exist.
func ReadRun(workDir string) (*Run, error) {
	var r Run
	ok, err := readJSON(workDir, runFile, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// WriteHeartbeat writes run_heartbeat.json under workDir.
func WriteHeartbeat(workDir string, h *Heartbeat) error {
	return writeJSON(workDir, heartbeatFile, h)
}

// ReadHeartbeat reads run_heartbeat.json, returning (nil, nil) if it
// doesn't exist.
func ReadHeartbeat(workDir string) (*Heartbeat, error) {
	var h Heartbeat
	ok, err := readJSON(workDir, heartbeatFile, &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

// WriteResult writes run_result.json under workDir.
func WriteResult(workDir string, r *Result) error {
	return writeJSON(workDir, resultFile, r)
}

// ReadResult reads run_result.json, returning (nil, nil) if it doesn't
// exist.
func ReadResult(workDir string) (*Result, error) {
	var r Result
	ok, err := readJSON(workDir, resultFile, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func writeJSON(workDir, name string, v any) error {
	data, err := filestore.MarshalJSONIndent(v)
	if err != nil {
		return err
	}
	return filestore.AtomicWrite(workDir+"/"+name, data, 0o644)
}

func readJSON(workDir, name string, out any) (bool, error) {
	data, err := filestore.ReadFileOrEmpty(workDir + "/" + name)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}
