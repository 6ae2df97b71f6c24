package transport

import (
	"sync"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
)

// pendingResult is delivered exactly once per pending entry: either a
// correlated response frame, or an error (request_timeout, connection_closed).
type pendingResult struct {
	frame *jsonrpc.Frame
	err   error
}

// pendingRequest is one outstanding request awaiting either a correlated
// response or a deadline. Grounded on the chan-keyed-by-id pending maps in
// overseer/client.go and backend/overseer/client.go, generalized from a
// single result type to an arbitrary JSON-RPC response frame.
type pendingRequest struct {
	deadline time.Time
	result   chan pendingResult
	timer    *time.Timer
}

// pendingTable is the per-connection map of outstanding request ids. It is
// single-writer: only the owning adapter's control path (send/resolve/
// expire/close) mutates it.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers id, returning a channel the caller should select on for the
// result. If the deadline elapses before resolve/remove is called, the
// channel receives ErrRequestTimeout.
func (t *pendingTable) add(id string, timeout time.Duration) chan pendingResult {
	ch := make(chan pendingResult, 1)
	entry := &pendingRequest{
		deadline: time.Now().Add(timeout),
		result:   ch,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		_, still := t.entries[id]
		if still {
			delete(t.entries, id)
		}
		t.mu.Unlock()
		if still {
			ch <- pendingResult{err: ErrRequestTimeout}
		}
	})

	t.mu.Lock()
	t.entries[id] = entry
	t.mu.Unlock()
	return ch
}

// resolve delivers a response frame to the pending entry for id, if any.
// Returns false if no entry was pending (late or unknown id).
func (t *pendingTable) resolve(id string, frame *jsonrpc.Frame) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.result <- pendingResult{frame: frame}
	return true
}

// remove cancels and removes the entry for id without sending a result
// (used when the caller's own context is cancelled first).
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

// closeAll rejects every pending entry with connection_closed, used when
// the owning connection is closed or torn down.
func (t *pendingTable) closeAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.result <- pendingResult{err: ErrConnectionClosed}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
