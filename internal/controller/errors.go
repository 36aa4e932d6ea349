package controller

import "fmt"

// StateError reports that an operation was attempted while the box was
// in a state that forbids it, per spec.md §4.6's pre-state table. The
// root package translates this into boxlite.Error{Kind: KindInvalidState}.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("controller: %s not allowed in state %s", e.Op, e.State)
}

// PortalResetError is surfaced to any caller still holding an Execution
// from before a box's engine/portal was torn down and restarted. New
// execs on the reattached box succeed; stale ones do not.
type PortalResetError struct {
	BoxID string
}

func (e *PortalResetError) Error() string {
	return fmt.Sprintf("controller: portal reset for box %s, execution handle is stale", e.BoxID)
}
