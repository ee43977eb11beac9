package synccore

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind classifies an error the core must react to differently.
type ErrorKind int

const (
	KindTransportRetryable ErrorKind = iota
	KindTransportFatal
	KindStorageFailure
	KindConditionalCheckFailed
	KindConflictUnhandled
	KindInvariantViolation
	KindCancelled
)

// ClassifiedError wraps an underlying error with the ErrorKind the engine
// should react to. Retry/terminate decisions and error-surfacing policy
// dispatch on Kind, never on the underlying error's concrete type.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (c *ClassifiedError) Error() string {
	return c.Err.Error()
}

func (c *ClassifiedError) Unwrap() error {
	return c.Err
}

// Classify wraps err with kind, attaching a stack trace via pkg/errors so
// terminal errors surfaced at the engine retain their origin.
func Classify(kind ErrorKind, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: pkgerrors.WithStack(err)}
}

// AsClassified extracts a *ClassifiedError from err, if any.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ErrCancelled is returned by cooperative shutdown paths. It is not
// surfaced to the user error handler.
var ErrCancelled = errors.New("synccore: cancelled")

// ErrMissingRemoteModel is returned by the mutation error processor when a
// ConflictUnhandled error arrives without an attached remote payload.
var ErrMissingRemoteModel = errors.New("synccore: conflict unhandled error missing remote model")

// ErrConflictOnCreate is returned when a create mutation reports a
// conflict. A create can never legitimately conflict, so this is treated
// as an invariant violation rather than routed to the conflict handler.
var ErrConflictOnCreate = errors.New("synccore: conflict reported for a create mutation")
