package process

import "errors"

var (
	// ErrBadConfig is returned by Spawn when command is missing.
	ErrBadConfig = errors.New("bad_config")
	// ErrCapacityExceeded is returned by Spawn when the live process cap is hit.
	ErrCapacityExceeded = errors.New("capacity_exceeded")
	// ErrNotFound is returned when internalID names no known process.
	ErrNotFound = errors.New("not_found")
	// ErrSpawnFailed wraps an OS-level failure to start a process.
	ErrSpawnFailed = errors.New("spawn_failed")
)
