package transport

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var connSeq atomic.Int64
var requestSeq atomic.Int64

// newConnectionID builds an opaque, never-reused id of the form
// <kind>_<monotonic>_<random>, per spec.md §3.
func newConnectionID(kind Kind) ConnectionID {
	n := connSeq.Add(1)
	return ConnectionID(fmt.Sprintf("%s_%d_%s", kind, n, uuid.New().String()[:8]))
}

// newRequestID generates an id for outbound requests that arrive as
// notifications but must be correlated with a response (stdio §4.C).
func newRequestID() string {
	n := requestSeq.Add(1)
	return fmt.Sprintf("auto_%d_%s", n, uuid.New().String()[:8])
}
