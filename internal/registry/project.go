// Package registry discovers project directories under a root's
// projects/ tree, parses each project.yaml manifest, and resolves a
// project id to its scoped task store (spec.md §4.8, §3.5). Manifest
// parsing follows the teacher's devops.LoadDevConfig idiom (plain
// gopkg.in/yaml.v3 unmarshal into a typed struct), and a bounded LRU
// (github.com/hashicorp/golang-lru/v2) avoids re-parsing every
// manifest on every scheduler poll, mirroring the teacher's
// channels/lark.Gateway dedup-cache usage of the same library.
package registry

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// InboxProjectID is the reserved project id that always exists, even
// when no project.yaml is present for it (spec.md §3.5).
const InboxProjectID = "_inbox"

// Owner names who is accountable for a project.
type Owner struct {
	Team string `yaml:"team"`
	Lead string `yaml:"lead"`
}

// MemoryTier names one tier of the project's memory/document index. The
// indexing implementation itself is out of scope (spec.md §1); the
// manifest only records which tiers exist and where they're rooted.
type MemoryTier struct {
	Name string `yaml:"name"`
	Path string `yaml:"path,omitempty"`
}

// IntakeRouting controls how tasks created in this project without
// explicit routing are assigned.
type IntakeRouting struct {
	DefaultAgent string `yaml:"defaultAgent,omitempty"`
	DefaultTeam  string `yaml:"defaultTeam,omitempty"`
}

// Manifest is the parsed form of project.yaml (spec.md §3.5).
type Manifest struct {
	ID            string        `yaml:"id"`
	Title         string        `yaml:"title"`
	Type          string        `yaml:"type,omitempty"`
	Owner         Owner         `yaml:"owner,omitempty"`
	Participants  []string      `yaml:"participants,omitempty"`
	Status        string        `yaml:"status,omitempty"` // active | archived
	MemoryTiers   []MemoryTier  `yaml:"memoryTiers,omitempty"`
	IntakeRouting IntakeRouting `yaml:"intakeRouting,omitempty"`
}

// Archived reports whether the project should be excluded from
// discovery by default (spec.md §4.8).
func (m Manifest) Archived() bool {
	return m.Status == "archived"
}

// ParseManifest parses one project.yaml document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("registry: parse manifest: %w", err)
	}
	return m, nil
}

// defaultInboxManifest is synthesized when _inbox has no project.yaml
// on disk (spec.md §4.8, "_inbox is always returned (synthesized if
// missing)").
func defaultInboxManifest() Manifest {
	return Manifest{
		ID:     InboxProjectID,
		Title:  "Inbox",
		Type:   "inbox",
		Status: "active",
	}
}

// Record is one discovered project: either a parsed manifest, or an
// error explaining why it couldn't be loaded.
type Record struct {
	ID   string
	Path string

	Manifest *Manifest
	Err      error

	loadedAt time.Time
}
