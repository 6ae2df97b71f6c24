package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
)

func testConfig() config.Data {
	d := config.Defaults()
	d.IdleTimeout = 200 * time.Millisecond
	d.CleanupInterval = time.Hour
	return d
}

func TestGateway_UnknownServer(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	_, err := g.StartServer(context.Background(), "nope", "c1")
	if err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestGateway_StartIsIdempotent(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	if err := g.RegisterServer(ServerConfig{ID: "echo", TransportHint: "stdio", Command: "cat"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	r1, err := g.StartServer(ctx, "echo", "c1")
	if err != nil {
		t.Fatalf("start 1: %v", err)
	}
	r2, err := g.StartServer(ctx, "echo", "c2")
	if err != nil {
		t.Fatalf("start 2: %v", err)
	}
	if r1.ConnectionID != r2.ConnectionID {
		t.Fatalf("expected idempotent start, got %s vs %s", r1.ConnectionID, r2.ConnectionID)
	}
}

func TestGateway_SendRequestAutoStartsAndCounts(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	script := `while IFS= read -r line; do id=$(printf '%s' "$line" | sed -n 's/.*"id":\([^,}]*\).*/\1/p'); printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"; done`
	if err := g.RegisterServer(ServerConfig{ID: "echo", TransportHint: "stdio", Command: "sh", Args: []string{"-c", script}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, Method: "ping", Params: json.RawMessage(`{}`)}
	resp, err := g.SendRequest(ctx, "echo", "c1", frame)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Result == nil {
		t.Fatalf("expected result, got %+v", resp)
	}

	m := g.GetMetrics()
	if m.RequestsTotal != 1 {
		t.Fatalf("expected requests_total=1, got %d", m.RequestsTotal)
	}
	if m.ActiveConnections != 1 {
		t.Fatalf("expected 1 active connection, got %d", m.ActiveConnections)
	}
}

func TestGateway_SendRequestRejectsBadFrame(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	if err := g.RegisterServer(ServerConfig{ID: "echo", TransportHint: "stdio", Command: "cat"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	bad := &jsonrpc.Frame{} // missing jsonrpc version
	_, err := g.SendRequest(context.Background(), "echo", "c1", bad)
	if err == nil {
		t.Fatal("expected bad_frame error")
	}
}

// TestGateway_IdleCleanupClosesConnection exercises the Gateway's onCleanup
// wiring against the Lifecycle Manager: once the only client disconnects
// and idle_timeout elapses, the connection disappears from metrics.
func TestGateway_IdleCleanupClosesConnection(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	if err := g.RegisterServer(ServerConfig{ID: "echo", TransportHint: "stdio", Command: "cat"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if _, err := g.StartServer(ctx, "echo", "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	g.lifecycle.UnregisterClient("c1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.GetMetrics().ActiveConnections == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected connection to be cleaned up after idle_timeout")
}

func TestGateway_StopServerUnknownID(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	if err := g.StopServer("nope"); err == nil {
		t.Fatal("expected unknown_server error for unregistered id")
	}
}

func TestGateway_StopServerDropsSlot(t *testing.T) {
	g := NewGateway(testConfig())
	defer g.Shutdown(0)

	if err := g.RegisterServer(ServerConfig{ID: "echo", TransportHint: "stdio", Command: "cat"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if _, err := g.StartServer(ctx, "echo", "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.StopServer("echo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if g.GetMetrics().ActiveConnections != 0 {
		t.Fatal("expected no active connections after stop_server")
	}
}
