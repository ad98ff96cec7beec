package broker

import (
	"errors"
	"fmt"
)

// ErrInvalidAction rejects malformed dispatch verbs before anything is touched.
var ErrInvalidAction = errors.New("invalid broker action")

func invalidActionError(action Action) error {
	return fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// TransientError marks a retryable failure (network, 429, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient broker error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must never be retried, such as invalid
// credentials or a rejected request body.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent broker error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
