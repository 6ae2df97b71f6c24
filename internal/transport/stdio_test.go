package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
)

// echoServerScript reads one JSON-RPC line at a time and replies with a
// response frame carrying the same id, proving request/response
// correlation over the stdin/stdout pipe without depending on any
// particular downstream MCP server implementation.
const echoServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([^,}]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
done
`

func TestStdio_RequestResponseRoundTrip(t *testing.T) {
	a := NewStdioAdapter(config.Defaults())
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connID, err := a.CreateConnection(ctx, ConnectParams{Command: "sh", Args: []string{"-c", echoServerScript}})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	req := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, Method: "ping", Params: json.RawMessage(`{}`)}
	// ID is left nil so Send takes the auto-id path: it assigns an id to
	// the method-bearing frame and waits for the correlated response.
	resp, err := a.Send(ctx, connID, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Result == nil {
		t.Fatalf("expected result, got %+v", resp)
	}
}

func TestStdio_NotificationGetsSyntheticAck(t *testing.T) {
	a := NewStdioAdapter(config.Defaults())
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connID, err := a.CreateConnection(ctx, ConnectParams{Command: "cat"})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	frame := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Result: json.RawMessage(`{}`)}
	resp, err := a.Send(ctx, connID, frame)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Result == nil {
		t.Fatalf("expected synthetic ack, got %+v", resp)
	}
}

func TestStdio_BadConfigRejected(t *testing.T) {
	a := NewStdioAdapter(config.Defaults())
	defer a.Shutdown()
	_, err := a.CreateConnection(context.Background(), ConnectParams{})
	if err != ErrBadConfig {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

func TestStdio_CloseRejectsPending(t *testing.T) {
	a := NewStdioAdapter(config.Defaults())
	defer a.Shutdown()

	ctx := context.Background()
	connID, err := a.CreateConnection(ctx, ConnectParams{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		req := &jsonrpc.Frame{JSONRPC: jsonrpc.Version, Method: "never_replies"}
		_, sendErr := a.Send(ctx, connID, req)
		done <- sendErr
	}()

	time.Sleep(50 * time.Millisecond)
	if err := a.Close(connID); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error once connection is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not unblock after close")
	}
}
