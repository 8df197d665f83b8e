package task

import "fmt"

// edge is one legal (from, to) pair in the state machine (spec.md §4.2).
type edge struct {
	from Status
	to   Status
}

// legalEdges lists the explicit (from, to) pairs of the transition
// matrix. The "any -> blocked" and "any non-terminal -> cancelled" rows
// are not listed here; CanTransition handles them directly.
var legalEdges = map[edge]bool{
	{StatusBacklog, StatusReady}:      true,
	{StatusReady, StatusInProgress}:   true,
	{StatusInProgress, StatusReview}:  true,
	{StatusInProgress, StatusDone}:    true,
	{StatusInProgress, StatusReady}:   true,
	{StatusReview, StatusDone}:        true,
	{StatusBlocked, StatusReady}:      true,
	{StatusInProgress, StatusDeadletter}: true,
}

// CanTransition reports whether from -> to is legal. Terminal sources
// reject every transition; any other status may move to blocked or
// cancelled; the remaining pairs must appear in legalEdges (spec.md §4.2).
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusBlocked {
		return true
	}
	if to == StatusCancelled {
		return true
	}
	return legalEdges[edge{from, to}]
}

// ErrIllegalTransition reports a transition not present in the matrix.
type ErrIllegalTransition struct {
	From, To Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("task: illegal transition %s -> %s", e.From, e.To)
}

// ErrTerminal reports an attempted mutation of a terminal task.
type ErrTerminal struct {
	Status Status
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("task: status %s is terminal, rejects further transitions", e.Status)
}

// LifecyclePath returns the sequence of legal intermediate stops needed to
// walk from `from` to StatusDone when an agent reports completion out of
// order (spec.md §4.2, "Lifecycle-guarded completion"), e.g.
// backlog→ready→in-progress→review→done. The store records one
// transition event per stop, in order. viaReview controls whether the
// in-progress→done hop routes through review first, matching the
// gate/review-required configuration the protocol router consults for a
// completion.report (spec.md §4.7).
func LifecyclePath(from Status, viaReview bool) ([]Status, error) {
	if from.IsTerminal() {
		return nil, &ErrTerminal{Status: from}
	}

	tail := []Status{StatusDone}
	if viaReview {
		tail = []Status{StatusReview, StatusDone}
	}

	switch from {
	case StatusReview:
		return []Status{StatusDone}, nil
	case StatusInProgress:
		return tail, nil
	case StatusReady:
		return append([]Status{StatusInProgress}, tail...), nil
	case StatusBacklog:
		return append([]Status{StatusReady, StatusInProgress}, tail...), nil
	case StatusBlocked:
		return append([]Status{StatusReady, StatusInProgress}, tail...), nil
	default:
		return nil, &ErrTerminal{Status: from}
	}
}
