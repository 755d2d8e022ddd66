// Package minionerr defines the error taxonomy shared by every component:
// Store, TaskFlow Runner, Task Library, and the Allocation Service all
// return errors wrapping one of these sentinels so callers can branch with
// errors.Is regardless of which layer raised it.
package minionerr

import "errors"

var (
	// ErrInvalidInput marks a malformed caller request: missing required
	// fields, a duplicate instance id, or an unrecognised action type.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a referenced pool or machine that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPoolState marks an operation forbidden by the pool's current
	// status.
	ErrInvalidPoolState = errors.New("invalid pool state")

	// ErrInvalidMinionPoolState marks machine-count or status conditions not
	// met for a reservation (e.g. over-subscription against maximum_minions).
	ErrInvalidMinionPoolState = errors.New("invalid minion pool state")

	// ErrInvalidMinionPoolSelection marks a pool that does not match the
	// role, endpoint, or OS family it was selected for.
	ErrInvalidMinionPoolSelection = errors.New("invalid minion pool selection")

	// ErrWorkerOperationFailed marks a downstream Worker/Scheduler/Conductor
	// RPC failure.
	ErrWorkerOperationFailed = errors.New("worker operation failed")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidPoolState reports whether err wraps ErrInvalidPoolState.
func IsInvalidPoolState(err error) bool { return errors.Is(err, ErrInvalidPoolState) }
