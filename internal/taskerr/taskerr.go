// Package taskerr classifies errors into the taxonomy spec'd for the
// orchestrator core: validation, not_found, unauthorized, concurrency,
// transient, permanent, and corruption. It is grounded on the teacher's
// internal/errors package (TransientError/PermanentError wrapper types and
// pattern-based classification), generalized from LLM/HTTP failure
// classification to task-dispatch failure classification.
package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the error kinds from spec.md §7.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConcurrency  Kind = "concurrency"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindCorruption   Kind = "corruption"
)

// Error is a classified error carrying a Kind alongside the original cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "task.transition"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindPermanent when err
// is not a classified *Error (to avoid infinite retries on the unknown).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// FailureClass is the dispatcher's failure taxonomy (spec.md §4.6).
type FailureClass string

const (
	ClassRateLimited      FailureClass = "rate_limited"
	ClassTimeout          FailureClass = "timeout"
	ClassTransientNetwork FailureClass = "transient_network"
	ClassPermanent        FailureClass = "permanent"
	ClassUnknown          FailureClass = "unknown"
)

var (
	rateLimitPatterns = []string{"429", "rate limit", "quota"}
	permanentPatterns = []string{"no such agent", "invalid config", "unauthorized", "forbidden"}
	networkPatterns   = []string{"connection reset", "connection refused", "broken pipe", "eof", "500", "502", "503", "504"}
	permanentHTTP4xx  = []string{"400", "401", "403", "404", "405", "410", "422"}
)

// Classify maps an executor spawn failure's message to the dispatch
// failure taxonomy from spec.md §4.6. timedOut indicates the spawn
// exceeded the configured spawnTimeoutMs, which always classifies as
// ClassTimeout regardless of the error text.
func Classify(err error, timedOut bool) FailureClass {
	if timedOut {
		return ClassTimeout
	}
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())

	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRateLimited
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ClassPermanent
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ClassTransientNetwork
		}
	}
	for _, p := range permanentHTTP4xx {
		if strings.Contains(msg, p) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}

// TargetsBlocked reports whether a failure class should transition
// the task to blocked on first occurrence (true) versus deadletter
// immediately (false, only ClassPermanent).
func (c FailureClass) TargetsBlocked() bool {
	return c == ClassRateLimited || c == ClassTimeout || c == ClassTransientNetwork || c == ClassUnknown
}
