package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConflictError reports a 409 version conflict: the server copy advanced
// past the base the client's mutation assumed. It carries the server's
// current copy so the resolver can present or apply it without a refetch.
type ConflictError struct {
	EntityID        string
	ServerPayload   json.RawMessage
	ServerUpdatedAt time.Time
	ServerDeleted   bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (server updated %s)", e.EntityID, e.ServerUpdatedAt.Format(time.RFC3339))
}

// TransientError wraps failures worth retrying: timeouts, 5xx responses,
// connection-level errors. Unreachable marks total loss of connectivity
// (no HTTP response at all), which aborts the rest of a drain cycle.
type TransientError struct {
	Op          string
	Err         error
	Unreachable bool
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError reports requests the server rejected as invalid (4xx other
// than 409). Retrying an inherently invalid request cannot succeed.
type FatalError struct {
	Op     string
	Status int
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Op, e.Status, e.Detail)
}

// IsConflict reports whether err is a version conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnreachable reports whether err indicates total connectivity loss.
func IsUnreachable(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Unreachable
}

// IsFatal reports whether err is a non-retryable rejection.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
