package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
	"github.com/whisper-darkly/mcpbroker/internal/process"
)

// stdioConn is one child-process-backed connection.
type stdioConn struct {
	mu         sync.Mutex
	conn       Connection
	internalID string
	pending    *pendingTable
	handler    MessageHandler
}

// StdioAdapter implements Adapter with one supervised child process per
// Connection, exchanging single-line JSON on the child's stdin/stdout.
// Grounded on the exec-pipe-plus-line-reader shape of
// other_examples' RevittCo-mcplexer instance.go, routed through
// internal/process.Supervisor instead of owning exec.Cmd directly so that
// restart accounting, log rings, and CPU/RSS sampling are shared with the
// rest of the broker.
type StdioAdapter struct {
	sup *process.Supervisor

	mu         sync.RWMutex
	byConn     map[ConnectionID]*stdioConn
	byInternal map[string]ConnectionID

	total                   int
	requestTimeout          time.Duration
	gracefulTerminateWindow time.Duration
}

// NewStdioAdapter constructs a StdioAdapter backed by its own Supervisor,
// bounded by cfg's process_cap/restart_cap/restart_delay knobs and using
// cfg's request_timeout/graceful_terminate_window for Send/Close (spec.md
// §6).
func NewStdioAdapter(cfg config.Data) *StdioAdapter {
	a := &StdioAdapter{
		byConn:                  make(map[ConnectionID]*stdioConn),
		byInternal:              make(map[string]ConnectionID),
		requestTimeout:          cfg.RequestTimeout,
		gracefulTerminateWindow: cfg.GracefulTerminateWindow,
	}
	a.sup = process.NewSupervisor(process.Handler{
		OnOutput: a.onOutput,
		OnExited: a.onExited,
	}, process.Limits{
		MaxProcesses: cfg.ProcessCap,
		MaxRestarts:  cfg.RestartCap,
		RestartDelay: cfg.RestartDelay,
	})
	return a
}

// SetTimeout implements optimizer's timeoutCapable probe, letting
// optimizer.Apply override the per-request deadline Send uses (spec.md
// §4.E's "timeout" tuning knob).
func (a *StdioAdapter) SetTimeout(ms int) {
	a.mu.Lock()
	a.requestTimeout = time.Duration(ms) * time.Millisecond
	a.mu.Unlock()
}

func (a *StdioAdapter) reqTimeout() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.requestTimeout
}

func (a *StdioAdapter) connByInternal(internalID string) *stdioConn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byInternal[internalID]
	if !ok {
		return nil
	}
	return a.byConn[id]
}

// CreateConnection spawns the child via the Process Supervisor, merging the
// parent environment with the caller's env and setting MCP_MODE=stdio, and
// returns only once the child is running.
func (a *StdioAdapter) CreateConnection(ctx context.Context, p ConnectParams) (ConnectionID, error) {
	if p.Command == "" {
		return "", ErrBadConfig
	}

	env := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	env["MCP_MODE"] = "stdio"

	internalID, err := a.sup.Spawn(process.Config{
		Command:     p.Command,
		Args:        p.Args,
		Env:         env,
		WorkingDir:  p.WorkingDir,
		AutoRestart: false,
	})
	if err != nil {
		switch err {
		case process.ErrBadConfig:
			return "", ErrBadConfig
		case process.ErrCapacityExceeded:
			return "", ErrCapacityExceeded
		default:
			return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	}

	connID := newConnectionID(KindStdio)
	sc := &stdioConn{
		conn: Connection{
			ID:        connID,
			ServerID:  p.ServerID,
			Kind:      KindStdio,
			State:     StateConnected,
			CreatedAt: time.Now(),
		},
		internalID: internalID,
		pending:    newPendingTable(),
	}

	a.mu.Lock()
	a.byConn[connID] = sc
	a.byInternal[internalID] = connID
	a.total++
	a.mu.Unlock()

	return connID, nil
}

// Send assigns an id to method-bearing frames with none and waits for the
// correlated response; frames that already carry an id, or carry no
// method, are forwarded and resolved immediately with a synthetic ack
// (spec.md §4.C).
func (a *StdioAdapter) Send(ctx context.Context, id ConnectionID, frame *jsonrpc.Frame) (*jsonrpc.Frame, error) {
	a.mu.RLock()
	sc, ok := a.byConn[id]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}

	sc.mu.Lock()
	if sc.conn.State != StateConnected {
		sc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	internalID := sc.internalID
	sc.mu.Unlock()

	out := *frame
	out.JSONRPC = jsonrpc.Version

	needsResponse := len(frame.ID) == 0 && frame.Method != ""
	var reqID string
	if needsResponse {
		idJSON, _ := json.Marshal(newRequestID())
		out.ID = idJSON
		// Keyed by the raw JSON id, the same form onOutput resolves with.
		reqID = string(idJSON)
	}

	line, err := jsonrpc.Encode(&out)
	if err != nil {
		return nil, err
	}

	if !needsResponse {
		if err := a.sup.WriteLine(internalID, string(line)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return syntheticAck(frame.ID), nil
	}

	ch := sc.pending.add(reqID, a.reqTimeout())

	if err := a.sup.WriteLine(internalID, string(line)); err != nil {
		sc.pending.remove(reqID)
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		sc.pending.remove(reqID)
		return nil, ctx.Err()
	}
}

func syntheticAck(id json.RawMessage) *jsonrpc.Frame {
	if len(id) == 0 {
		id = json.RawMessage(`null`)
	}
	return &jsonrpc.Frame{JSONRPC: jsonrpc.Version, ID: id, Result: json.RawMessage(`{"ack":true}`)}
}

// Close sends a graceful terminate, force-kills after the grace window,
// rejects all pending requests with connection_closed, and drops the
// connection record.
func (a *StdioAdapter) Close(id ConnectionID) error {
	a.mu.Lock()
	sc, ok := a.byConn[id]
	if ok {
		delete(a.byConn, id)
		delete(a.byInternal, sc.internalID)
	}
	a.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}

	sc.mu.Lock()
	sc.conn.State = StateDisconnected
	now := time.Now()
	sc.conn.DisconnectedAt = &now
	internalID := sc.internalID
	sc.mu.Unlock()

	sc.pending.closeAll()

	a.mu.RLock()
	grace := a.gracefulTerminateWindow
	a.mu.RUnlock()
	_, err := a.sup.Stop(internalID, int(grace/time.Millisecond))
	return err
}

// OnMessage registers the handler invoked for unsolicited frames from id.
func (a *StdioAdapter) OnMessage(id ConnectionID, h MessageHandler) {
	a.mu.RLock()
	sc, ok := a.byConn[id]
	a.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	sc.handler = h
	sc.mu.Unlock()
}

// Metrics returns the current active/total connection counts.
func (a *StdioAdapter) Metrics() AdapterMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AdapterMetrics{Active: len(a.byConn), Total: a.total}
}

// onOutput is the process.Handler callback for every stdout/stderr line.
// It only attempts JSON-RPC decoding on stdout; stderr is diagnostics-only
// (already captured in the process's log ring) and is never parsed.
func (a *StdioAdapter) onOutput(internalID, stream, line string, ts time.Time) {
	if stream != "stdout" {
		return
	}
	sc := a.connByInternal(internalID)
	if sc == nil {
		return
	}

	frame, err := jsonrpc.Decode([]byte(line))
	if err != nil {
		// Likely debug output from the child; discard without corrupting
		// correlation state (spec.md §4.C reader-loop contract).
		log.Printf("stdio: discarding non-frame line from %s: %v", internalID, err)
		return
	}

	if frame.IsResponse() {
		if sc.pending.resolve(string(frame.ID), frame) {
			return
		}
		// No pending entry (late response, or unsolicited) — fall through
		// to the unsolicited-message handler below.
	}

	sc.mu.Lock()
	h := sc.handler
	sc.mu.Unlock()
	if h != nil {
		h(sc.conn.ID, frame)
	}
}

// onExited marks the connection disconnected and rejects all pending
// requests; it does not restart the process (stdio connections are not
// auto-restarted — a new CreateConnection call opens a fresh one).
func (a *StdioAdapter) onExited(internalID string, exitCode int, ts time.Time) {
	sc := a.connByInternal(internalID)
	if sc == nil {
		return
	}
	sc.mu.Lock()
	sc.conn.State = StateDisconnected
	sc.conn.DisconnectedAt = &ts
	sc.conn.LastError = fmt.Sprintf("process exited with code %d", exitCode)
	sc.mu.Unlock()
	sc.pending.closeAll()
}

// ProcessRecords exposes the underlying Process Supervisor's table.
// Gateway.GetMetrics does not call it.
func (a *StdioAdapter) ProcessRecords() []process.Record {
	return a.sup.List()
}

// Shutdown closes every live connection and stops the underlying
// supervisor, aggregating any per-connection close errors rather than
// stopping at the first one (used on broker shutdown).
func (a *StdioAdapter) Shutdown() error {
	a.mu.RLock()
	ids := make([]ConnectionID, 0, len(a.byConn))
	for id := range a.byConn {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := a.Close(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", id, err))
		}
	}
	a.sup.Close()
	return result.ErrorOrNil()
}
