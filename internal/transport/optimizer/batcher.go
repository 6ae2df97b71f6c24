// Package optimizer provides capability-probing helpers any transport
// adapter can opt into: outbound message batching, tuning-knob
// application, and (via Pool) a swept LRU of reusable resources.
//
// Grounded on the bufferedLog/ring-buffer batching shape of
// manager/manager.go's subState.addLog combined with go-humanize's
// formatting role elsewhere in the teacher's metrics surface; generalized
// here into a generic flush-trigger batcher (spec.md §4.E).
package optimizer

import (
	"sync"
	"time"
)

// Sink receives a batch once a flush trigger fires. Implementations must
// not block — Flush calls Sink synchronously on whichever goroutine
// triggered it (an Enqueue caller, the age timer, or Close).
type Sink func(batch [][]byte)

// BatchConfig configures a Batcher's two flush triggers (spec.md §4.E).
type BatchConfig struct {
	MaxSize  int           // flush once len(buffer) >= MaxSize
	MaxDelay time.Duration // flush once the oldest buffered item is this old
}

// DefaultBatchConfig matches spec.md's documented knobs.
var DefaultBatchConfig = BatchConfig{MaxSize: 10, MaxDelay: 50 * time.Millisecond}

// Batcher accumulates outbound frames and flushes them, preserving
// enqueue order, whenever size or age crosses its configured trigger.
// When the wrapped adapter has no native batch sink, the caller's Sink
// can simply loop over the batch and send items individually — Batcher
// itself is agnostic to how a batch is transmitted.
type Batcher struct {
	cfg  BatchConfig
	sink Sink

	mu      sync.Mutex
	buf     [][]byte
	timer   *time.Timer
	oldest  time.Time
	closed  bool
	stopped chan struct{}
}

// NewBatcher constructs a Batcher that calls sink on each flush.
func NewBatcher(cfg BatchConfig, sink Sink) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultBatchConfig.MaxSize
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultBatchConfig.MaxDelay
	}
	return &Batcher{cfg: cfg, sink: sink, stopped: make(chan struct{})}
}

// Enqueue appends item to the pending batch, flushing immediately if the
// size trigger is crossed, and arming the age trigger if this is the
// first item in a new batch.
func (b *Batcher) Enqueue(item []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) == 0 {
		b.oldest = time.Now()
		b.armTimer()
	}
	b.buf = append(b.buf, item)
	full := len(b.buf) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// armTimer schedules a flush at MaxDelay from now. Caller must hold b.mu.
func (b *Batcher) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.MaxDelay, b.Flush)
}

// Flush sends whatever is currently buffered, in enqueue order, and
// resets the batch. Safe to call concurrently with Enqueue or by the age
// timer; a no-op if the buffer is empty.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.sink(batch)
}

// Close flushes any remaining buffered items and prevents further
// enqueues.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}
