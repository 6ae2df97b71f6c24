package broker

import "errors"

// Sentinel errors returned, never panicked, by the Gateway's public API
// (spec.md §7: "structured, not fatal").
var (
	ErrUnknownServer = errors.New("unknown_server")
	ErrBadFrame      = errors.New("bad_frame")
)
