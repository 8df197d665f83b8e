// Package task defines the task entity, its lifecycle, and the markdown
// card format it round-trips to/from. Grounded on the teacher's
// internal/domain/task package (Status enum, lease/transition shape,
// functional TransitionOption pattern), generalized from the teacher's
// single-channel task record to the filesystem-native, multi-agent task
// card described in spec.md §3.1.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a task (spec.md §3.1).
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeadletter Status = "deadletter"
)

// AllStatuses lists every status directory a project root must have.
var AllStatuses = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusBlocked,
	StatusReview, StatusDone, StatusCancelled, StatusDeadletter,
}

// IsTerminal reports whether status accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusDeadletter:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Priority is the dispatch priority (spec.md §3.1, §4.5 ordering rule).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for the assign sort rule: critical > high >
// normal > low, descending.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1 // unknown priority behaves as normal
	}
}

// Routing identifies who may work a task.
type Routing struct {
	Agent string   `yaml:"agent,omitempty"`
	Team  string   `yaml:"team,omitempty"`
	Role  string   `yaml:"role,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`
}

// Lease is the exclusive, time-bounded claim on a task (spec.md §3.4).
type Lease struct {
	Agent      string    `yaml:"agent"`
	AcquiredAt time.Time `yaml:"acquiredAt"`
	ExpiresAt  time.Time `yaml:"expiresAt"`
	RenewCount int       `yaml:"renewCount"`
}

// Active reports whether the lease has not yet expired at now.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// AgentOr returns the lease holder's agent id, or fallback if l is nil.
func (l *Lease) AgentOr(fallback string) string {
	if l == nil {
		return fallback
	}
	return l.Agent
}

// SLA is a per-status time budget with a configured violation response.
type SLA struct {
	Targets     map[Status]time.Duration `yaml:"targets,omitempty"`
	OnViolation string                   `yaml:"onViolation,omitempty"` // alert | block | deadletter
}

// Gate is an optional workflow checkpoint requiring an outcome on
// completion.
type Gate struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Task is the full header of one task card (spec.md §3.1). Body is the
// markdown content following the header fence and is not part of the
// header struct.
type Task struct {
	ID       string   `yaml:"id"`
	Project  string   `yaml:"project"`
	Title    string   `yaml:"title"`
	Status   Status   `yaml:"status"`
	Priority Priority `yaml:"priority"`

	Routing *Routing `yaml:"routing,omitempty"`
	Lease   *Lease   `yaml:"lease,omitempty"`

	DependsOn []string `yaml:"dependsOn,omitempty"`
	ParentID  string   `yaml:"parentId,omitempty"`

	CreatedAt        time.Time `yaml:"createdAt"`
	UpdatedAt        time.Time `yaml:"updatedAt"`
	LastTransitionAt time.Time `yaml:"lastTransitionAt"`
	CreatedBy        string    `yaml:"createdBy,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty"`

	Gate             *Gate  `yaml:"gate,omitempty"`
	RequiredRunbook  string `yaml:"requiredRunbook,omitempty"`
	InstructionsRef  string `yaml:"instructionsRef,omitempty"`
	GuidanceRef      string `yaml:"guidanceRef,omitempty"`
	SLA              *SLA   `yaml:"sla,omitempty"`

	ContentHash string `yaml:"contentHash,omitempty"`

	// Extra preserves header fields this version of taskforge does not
	// know about, so round-tripping an unfamiliar task card never drops
	// data (spec.md §6, "round-trip unknown fields").
	Extra map[string]any `yaml:"-"`

	// Body is the markdown body following the header fence. Not part of
	// the YAML header.
	Body string `yaml:"-"`
}

// EnsureMetadata returns t.Metadata, initializing it if nil.
func (t *Task) EnsureMetadata() map[string]any {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	return t.Metadata
}

// HashBody returns the content hash for the given body, the digest
// recorded in ContentHash (spec.md §3.1).
func HashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RecomputeContentHash sets t.ContentHash from t.Body.
func (t *Task) RecomputeContentHash() {
	t.ContentHash = HashBody(t.Body)
}
