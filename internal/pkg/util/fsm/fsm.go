package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to fsm.Callback by setting
// event.Err, which looplab/fsm surfaces as the return value of the
// triggering Event() call. The engine's state-entry hooks use this to keep
// their own signatures idiomatic Go instead of threading errors through a
// package-level variable.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
