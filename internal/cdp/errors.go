package cdp

import "errors"

var (
	// ErrCallTimeout is returned when no correlated reply arrives within the call's deadline.
	ErrCallTimeout = errors.New("remote call timed out")
	// ErrSessionClosed is returned for calls on, or pending during the close of, a session.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownConnection is returned for a connection id that is not in the pool.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrEvaluation is returned when the evaluated expression threw.
	ErrEvaluation = errors.New("remote evaluation threw")
)
