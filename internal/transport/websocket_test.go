package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
	"github.com/whisper-darkly/mcpbroker/internal/transport/optimizer"
)

// TestWS_SendWhileReconnectingQueuesAndReturnsImmediately exercises
// scenario S4: a send that lands while the socket is reconnecting must not
// block waiting for the eventual response — it returns {queued:true} as
// soon as the frame is on the outbound queue, per spec.md §4.D.
func TestWS_SendWhileReconnectingQueuesAndReturnsImmediately(t *testing.T) {
	a := NewWSAdapter(config.Defaults())
	connID := newConnectionID(KindWS)
	wc := &wsConn{
		conn:        Connection{ID: connID, Kind: KindWS, State: StateReconnecting},
		pending:     newPendingTable(),
		queue:       &outQueue{},
		bo:          optimizer.NewBackoff(optimizer.BackoffConfig{}),
		notifyBatch: optimizer.NewBatcher(optimizer.BatchConfig{}, func([][]byte) {}),
	}
	a.mu.Lock()
	a.byConn[connID] = wc
	a.total++
	a.mu.Unlock()

	frame := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, Method: "ping", Params: json.RawMessage(`{}`)}

	done := make(chan *jsonrpc.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := a.Send(context.Background(), connID, frame)
		if err != nil {
			errCh <- err
			return
		}
		done <- resp
	}()

	select {
	case err := <-errCh:
		t.Fatalf("send: %v", err)
	case resp := <-done:
		var result map[string]bool
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if !result["queued"] {
			t.Fatalf("expected queued:true ack, got %s", resp.Result)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Send blocked past the queueing point instead of returning a queued ack immediately")
	}

	if wc.queue.len() != 1 {
		t.Fatalf("expected 1 frame on the outbound queue, got %d", wc.queue.len())
	}
	if wc.pending.len() != 0 {
		t.Fatalf("expected no pending entry for a queued send, got %d", wc.pending.len())
	}
}

// TestWS_SendWhileDisconnectedFailsClosed checks that only a reconnecting
// connection queues: a fully disconnected one rejects the send with
// connection_closed instead of returning a queued ack.
func TestWS_SendWhileDisconnectedFailsClosed(t *testing.T) {
	a := NewWSAdapter(config.Defaults())
	connID := newConnectionID(KindWS)
	wc := &wsConn{
		conn:        Connection{ID: connID, Kind: KindWS, State: StateDisconnected},
		pending:     newPendingTable(),
		queue:       &outQueue{},
		bo:          optimizer.NewBackoff(optimizer.BackoffConfig{}),
		notifyBatch: optimizer.NewBatcher(optimizer.BatchConfig{}, func([][]byte) {}),
	}
	a.mu.Lock()
	a.byConn[connID] = wc
	a.total++
	a.mu.Unlock()

	frame := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, Method: "ping", Params: json.RawMessage(`{}`)}
	if _, err := a.Send(context.Background(), connID, frame); err != ErrConnectionClosed {
		t.Fatalf("expected connection_closed for a fully disconnected connection, got %v", err)
	}
}
