package mediaserver

import "errors"

var (
	// ErrConfiguration is returned by setters given a value the server cannot use.
	ErrConfiguration = errors.New("invalid media server configuration")

	// ErrBindExhausted means no port could be bound, either the configured one
	// or every port of the probe range.
	ErrBindExhausted = errors.New("no port available to bind")

	// ErrAlreadyRunning is reported when Start is called on a running server.
	ErrAlreadyRunning = errors.New("media server already running")

	// ErrCapacity marks a connection turned away because every streaming slot is taken.
	ErrCapacity = errors.New("client capacity exceeded")

	// ErrRefused marks a connection rejected by the accept callback.
	ErrRefused = errors.New("connection refused by callback")

	// ErrTransport wraps read and write failures on a session socket.
	ErrTransport = errors.New("session transport failure")
)
