// Package protocol routes inbound agent tool calls (the "aof" envelope
// protocol) to the task store: validates the envelope, authorizes the
// actor against the task's routing/lease, and applies the requested
// state change under a per-task, in-process lock (spec.md §4.7).
// Grounded on the teacher's internal/infra/acp RPC dispatch shape
// (frame in, validate, route by method name) and its
// jsonrepair-before-strict-unmarshal idiom for LLM-authored JSON
// payloads (internal/agent/tool_executor.go).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/taskforge/taskforge/internal/taskerr"
)

// EnvelopeType is one of the five message kinds the router accepts
// (spec.md §4.7).
type EnvelopeType string

const (
	TypeStatusUpdate     EnvelopeType = "status.update"
	TypeCompletionReport EnvelopeType = "completion.report"
	TypeHandoffRequest   EnvelopeType = "handoff.request"
	TypeHandoffAccepted  EnvelopeType = "handoff.accepted"
	TypeHandoffRejected  EnvelopeType = "handoff.rejected"
)

func (t EnvelopeType) valid() bool {
	switch t {
	case TypeStatusUpdate, TypeCompletionReport, TypeHandoffRequest, TypeHandoffAccepted, TypeHandoffRejected:
		return true
	default:
		return false
	}
}

// ProtocolName and Version are the only accepted envelope framing
// (spec.md §4.7, §6).
const (
	ProtocolName   = "aof"
	ProtocolVersion = 1
)

// Envelope is the wire shape every tool call / agent message arrives
// in (spec.md §4.7).
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Version   int             `json:"version"`
	ProjectID string          `json:"projectId"`
	Type      EnvelopeType    `json:"type"`
	TaskID    string          `json:"taskId"`
	FromAgent string          `json:"fromAgent"`
	ToAgent   string          `json:"toAgent,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes data as a strict Envelope. The envelope
// framing itself comes from the orchestrator's own tool-call layer, so
// unlike the nested payload it is not repaired before parsing.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, taskerr.New(taskerr.KindValidation, "protocol.ParseEnvelope", err)
	}
	return &env, nil
}

// Validate checks the envelope's required framing fields (spec.md §6,
// "Protocol envelope"): rejected if protocol != "aof", version != 1,
// projectId is empty, type is not a known envelope type, or taskId or
// fromAgent is empty. Whether projectId names an existing project is
// checked by Router.Dispatch, not here.
func (e *Envelope) Validate() error {
	if e.Protocol != ProtocolName {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("unsupported protocol %q", e.Protocol))
	}
	if e.Version != ProtocolVersion {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("unsupported version %d", e.Version))
	}
	if e.ProjectID == "" {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("projectId is required"))
	}
	if !e.Type.valid() {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("unknown envelope type %q", e.Type))
	}
	if e.TaskID == "" {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("taskId is required"))
	}
	if e.FromAgent == "" {
		return taskerr.New(taskerr.KindValidation, "protocol.Validate", fmt.Errorf("fromAgent is required"))
	}
	return nil
}

// decodePayload unmarshals raw into out, first trying strict
// encoding/json and falling back to kaptinlin/jsonrepair when that
// fails: agents are LLM-driven and occasionally emit near-valid JSON
// (a trailing comma, an unquoted key, a stray comment) that a human
// operator would still recognize as intentional (spec.md's DOMAIN
// STACK entry for jsonrepair).
func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err == nil {
		return nil
	}
	repaired, rErr := jsonrepair.JSONRepair(string(raw))
	if rErr != nil {
		return taskerr.New(taskerr.KindValidation, "protocol.decodePayload", fmt.Errorf("malformed payload: %w", rErr))
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return taskerr.New(taskerr.KindValidation, "protocol.decodePayload", fmt.Errorf("malformed payload after repair: %w", err))
	}
	return nil
}

// Result is the envelope every tool call returns to its caller (spec.md
// §7, "User-visible behavior"): summary is a single line fit for a
// human operator; meta carries taskId/status whenever relevant.
type Result struct {
	Summary  string         `json:"summary"`
	Details  string         `json:"details,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}
