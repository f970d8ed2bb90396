package engine

import (
	"errors"

	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/schema"
)

// Errors returned by the engine.
//
// These errors can be checked using errors.Is():
//
//	if err := eng.Write(schema.Reports, key, doc, ""); errors.Is(err, engine.ErrLocalPersistence) {
//	    // The write is visible and queued but may not survive a restart
//	}
var (
	// ErrLocalPersistence is returned when durable local storage could not
	// be written or read. The in-memory state is still updated and the
	// change is still queued.
	ErrLocalPersistence = errors.New("local persistence failed")

	// ErrRemoteUnavailable is returned when an operation needs the remote
	// store but there is none or it is unreachable.
	ErrRemoteUnavailable = remote.ErrUnavailable

	// ErrDelivery wraps the cause of a failed delivery of a queued change.
	ErrDelivery = errors.New("delivery failed")

	// ErrInvalid is returned for an unknown collection, a malformed key or
	// a malformed document.
	ErrInvalid = schema.ErrInvalid

	// ErrNotRunning is returned by mutating operations before Init or after
	// Shutdown.
	ErrNotRunning = errors.New("engine is not running")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Validation failures never succeed as-is
	if errors.Is(err, ErrInvalid) {
		return false
	}

	if errors.Is(err, ErrRemoteUnavailable) {
		return true
	}

	return errors.Is(err, ErrDelivery)
}
