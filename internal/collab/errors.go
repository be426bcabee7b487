package collab

import "errors"

var (
	// ErrPrecondition is returned when Connect is called without both
	// editors bound or without a room. No network I/O has happened.
	ErrPrecondition = errors.New("collab precondition failed")
	// ErrConnectionTimeout is returned when the transport did not confirm
	// the connection in time.
	ErrConnectionTimeout = errors.New("connection timeout: unable to reach the relay, check your network connection")
	// ErrTransport wraps any other failure reported by the transport while
	// connecting.
	ErrTransport = errors.New("transport error")
	// ErrSuperseded is returned by a pending Connect when another Connect or
	// a Disconnect ended its session first.
	ErrSuperseded = errors.New("session superseded")
	// ErrNotInitialized is returned by Host operations before a coordinator
	// has been attached.
	ErrNotInitialized = errors.New("collaboration session not initialized")
)
