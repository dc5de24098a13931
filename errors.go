package pykernel

import "errors"

// Sentinel errors for session and correlator operations.
var (
	// ErrUnavailable indicates the worker binary could not be found or
	// started.
	ErrUnavailable = errors.New("pykernel: worker unavailable")

	// ErrTerminated indicates the session was terminated (worker killed,
	// transport closed).
	ErrTerminated = errors.New("pykernel: session terminated")

	// ErrSessionNotFound indicates an operation referenced a session id
	// that does not exist (pool-adjacent collaborators only; unused by
	// Session itself, which is a single-instance handle).
	ErrSessionNotFound = errors.New("pykernel: session not found")

	// ErrWorkerCrashed indicates the worker process exited unexpectedly
	// while requests were in flight.
	ErrWorkerCrashed = errors.New("pykernel: worker crashed")

	// ErrStartupTimeout indicates Session.Start did not observe a Ready
	// message within Config.StartupTimeout.
	ErrStartupTimeout = errors.New("pykernel: startup timed out waiting for ready")

	// ErrFrameTooLarge indicates an inbound frame exceeded Config.MaxFrameBytes.
	ErrFrameTooLarge = errors.New("pykernel: frame exceeds maximum size")

	// ErrSingleReaderViolation indicates a second caller attempted to read
	// from a worker transport already owned by a Session (spec §4.F).
	ErrSingleReaderViolation = errors.New("pykernel: transport already has a reader")
)
