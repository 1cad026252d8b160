package gateway

import "errors"

var (
	// ErrInvalidRequest means the session id or body was missing or
	// malformed. No session state is touched.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrExecutionFailure means the worker could not be started or exited
	// before finishing the conversation.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrTurnTimeout means no counterpart message arrived within the turn
	// deadline. The session is left in place so the caller may retry.
	ErrTurnTimeout = errors.New("turn timed out")
	// ErrSessionClosed means the session was torn down while waiting.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionStale means the reaper removed the session while waiting.
	ErrSessionStale = errors.New("session expired")
)
