package roomsync

import (
	"errors"
	"fmt"
)

// returned when Join, Leave, Apply, or RequestSync is called on a room
// that is not in the Running state
var ErrRoomNotRunning = errors.New("room is not running")

// policy denied entry. No state was changed.
type JoinRejectedError struct {
	Reason string
}

func (self *JoinRejectedError) Error() string {
	return fmt.Sprintf("join rejected: %s", self.Reason)
}

// unknown action type. No state was changed.
type ActionNotRegisteredError struct {
	ActionType string
}

func (self *ActionNotRegisteredError) Error() string {
	return fmt.Sprintf("action not registered: %s", self.ActionType)
}

// the handler signaled a domain error or panicked. The tree keeps every
// mutation applied up to the point of failure - there is no automatic
// rollback. Partial-failure recovery belongs to the handler (validate
// before mutating).
type HandlerFailureError struct {
	ActionType string
	Err        error
}

func (self *HandlerFailureError) Error() string {
	return fmt.Sprintf("action %s failed: %s", self.ActionType, self.Err)
}

func (self *HandlerFailureError) Unwrap() error {
	return self.Err
}

// an internal invariant violation: a filter changed a field's type, or
// broadcast and per-recipient snapshots came from mismatched generations.
// This is a programming error in a handler or filter. The sync cycle is
// aborted for the affected recipient and never produces a corrupt patch.
type InconsistencyError struct {
	Path string
	Err  error
}

func newInconsistency(path string, err error) *InconsistencyError {
	return &InconsistencyError{
		Path: path,
		Err:  err,
	}
}

func (self *InconsistencyError) Error() string {
	if self.Path == "" {
		return fmt.Sprintf("extraction inconsistency: %s", self.Err)
	}
	return fmt.Sprintf("extraction inconsistency at %s: %s", self.Path, self.Err)
}

func (self *InconsistencyError) Unwrap() error {
	return self.Err
}
