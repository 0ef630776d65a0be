// Package cancellation provides the shared stop flag of an upload session.
package cancellation

import (
	"context"
	"errors"
)

// ErrCanceled is the cause reported when Trigger is called without one.
var ErrCanceled = errors.New("upload canceled")

// Signal is a cancel-once flag shared by the chunker, the dispatcher and the driver.
// The first Trigger wins; canceling the parent context sets it as well.
type Signal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New creates a Signal bound to parent.
func New(parent context.Context) *Signal {
	ctx, cancel := context.WithCancelCause(parent)
	return &Signal{
		ctx:    ctx,
		cancel: cancel,
	}
}

// IsCanceled reports whether the signal has been set.
func (s *Signal) IsCanceled() bool {
	return s.ctx.Err() != nil
}

// Trigger sets the signal with cause. Subsequent calls are no-ops.
func (s *Signal) Trigger(cause error) {
	if cause == nil {
		cause = ErrCanceled
	}
	s.cancel(cause)
}

// Cause returns the error the signal was set with, or nil.
func (s *Signal) Cause() error {
	if !s.IsCanceled() {
		return nil
	}
	return context.Cause(s.ctx)
}

// Context returns a context that is canceled together with the signal.
func (s *Signal) Context() context.Context {
	return s.ctx
}

// Done is closed once the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}
