package process

import "time"

// Handler receives supervisor events. Grounded on the overseer.Handler
// callback-struct shape in overseer/client.go and backend/overseer/client.go
// — a narrow, typed listener per event kind rather than an event-emitter
// bus, per spec.md §9's Design Notes.
type Handler struct {
	// OnOutput is called for every non-blank line emitted on stdout/stderr.
	// Must not block the reader goroutine.
	OnOutput func(internalID string, stream string, line string, ts time.Time)
	// OnExited is called once when a process terminates, before any restart
	// decision is made.
	OnExited func(internalID string, exitCode int, ts time.Time)
	// OnRestart is called after a restart has been scheduled and the new
	// child has started.
	OnRestart func(internalID string, attempt int, ts time.Time)
	// OnError is called when a process enters StateError on spawn failure,
	// and also (without a state change — the process stays stopped, per
	// spec.md §4.B/§8 S3) when its restart cap is exhausted on exit.
	OnError func(internalID string, reason string, ts time.Time)
}

func (h Handler) output(id, stream, line string) {
	if h.OnOutput != nil {
		h.OnOutput(id, stream, line, time.Now())
	}
}

func (h Handler) exited(id string, code int) {
	if h.OnExited != nil {
		h.OnExited(id, code, time.Now())
	}
}

func (h Handler) restart(id string, attempt int) {
	if h.OnRestart != nil {
		h.OnRestart(id, attempt, time.Now())
	}
}

func (h Handler) errored(id, reason string) {
	if h.OnError != nil {
		h.OnError(id, reason, time.Now())
	}
}
