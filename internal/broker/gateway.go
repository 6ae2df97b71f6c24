// Package broker implements the Gateway/Router: the broker's public
// surface (start_server, stop_server, send_request, get_metrics), wiring
// the Transport Registry and Lifecycle Manager behind narrow interfaces
// (spec.md §4.H).
//
// Grounded on manager/manager.go's Manager (the teacher's own
// orchestration surface over the overseer client and store), generalized
// from "one recorder process per subscription, persisted in Postgres" to
// "one connection per server id, held entirely in memory" since the
// broker is explicitly stateless across restarts (spec.md §6).
package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
	"github.com/whisper-darkly/mcpbroker/internal/lifecycle"
	"github.com/whisper-darkly/mcpbroker/internal/transport"
)

// packageNameOf derives the package-name signal transport.DetectKind's
// step-3 heuristic (spec.md §4.F) matches against, from a stdio server's
// command basename (e.g. "/usr/local/bin/weather-stdio" -> "weather-stdio").
// Non-stdio registrations (command empty) yield "" and simply never match.
func packageNameOf(command string) string {
	if command == "" {
		return ""
	}
	base := filepath.Base(command)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ServerConfig is the immutable-per-registration input described in
// spec.md §3. command is required iff the resolved transport is stdio;
// url is required iff it resolves to ws/http.
type ServerConfig struct {
	ID            string
	TransportHint string
	Command       string
	Args          []string
	Env           map[string]string
	WorkingDir    string
	URL           string
	Protocols     []string
}

// StartResult is the return shape of Gateway.StartServer.
type StartResult struct {
	Success      bool
	ConnectionID transport.ConnectionID
	Transport    transport.Kind
}

// Metrics is the aggregated snapshot returned by Gateway.GetMetrics
// (spec.md §3: "gateway { requests_total, active_connections,
// by_transport }") plus per-transport adapter counts and lifecycle slot
// stats. It carries no per-process detail.
type Metrics struct {
	RequestsTotal     int64
	ActiveConnections int
	ByTransport       map[transport.Kind]transport.AdapterMetrics
	Lifecycle         []lifecycle.Stats
}

type serverConn struct {
	connID transport.ConnectionID
	kind   transport.Kind
}

// Gateway is the broker's public entry point. It holds no mutable state
// of its own beyond counters and the two lookup maps describing what's
// registered/connected — every other piece of state belongs to the
// Transport Registry or the Lifecycle Manager (spec.md §3 Ownership).
type Gateway struct {
	cfg config.Data

	registry  *transport.Registry
	lifecycle *lifecycle.Manager

	mu      sync.RWMutex
	configs map[string]ServerConfig
	conns   map[string]serverConn

	connectGroup singleflight.Group

	requestsTotal atomic.Int64
}

// NewGateway constructs a Gateway wired with its own Transport Registry
// and Lifecycle Manager, the latter configured from cfg.
func NewGateway(cfg config.Data) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: transport.NewRegistry(cfg),
		configs:  make(map[string]ServerConfig),
		conns:    make(map[string]serverConn),
	}
	g.lifecycle = lifecycle.NewManager(g.onCleanup,
		lifecycle.WithIdleTimeout(cfg.IdleTimeout),
		lifecycle.WithSweepInterval(cfg.CleanupInterval),
	)
	return g
}

// onCleanup is the Lifecycle Manager's cleanup(server_id) callback: the
// Gateway closes the connection in response (spec.md §4.G).
func (g *Gateway) onCleanup(serverID string) {
	g.mu.Lock()
	sc, ok := g.conns[serverID]
	if ok {
		delete(g.conns, serverID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	_ = g.registry.Get(sc.kind).Close(sc.connID)
}

// RegisterServer records a ServerConfig for later start_server/
// send_request calls. Transport kind is resolved here only to validate
// the config; ensureConnection resolves it again, with the same
// precedence, when it opens the connection.
func (g *Gateway) RegisterServer(sc ServerConfig) error {
	kind := transport.DetectKind(transport.DetectHint{
		TransportHint: sc.TransportHint,
		PackageName:   packageNameOf(sc.Command),
		ServerID:      sc.ID,
	})
	if kind == transport.KindStdio && sc.Command == "" {
		return fmt.Errorf("%w: server %q resolves to stdio but has no command", transport.ErrBadConfig, sc.ID)
	}
	if kind != transport.KindStdio && sc.URL == "" {
		return fmt.Errorf("%w: server %q resolves to %s but has no url", transport.ErrBadConfig, sc.ID, kind)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs[sc.ID] = sc
	return nil
}

// StartServer opens (or, idempotently, returns) the connection for
// serverID and registers clientID's activity against it.
func (g *Gateway) StartServer(ctx context.Context, serverID, clientID string) (StartResult, error) {
	g.mu.RLock()
	sc, ok := g.configs[serverID]
	g.mu.RUnlock()
	if !ok {
		return StartResult{}, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	connID, kind, err := g.ensureConnection(ctx, sc)
	if err != nil {
		return StartResult{}, err
	}
	g.lifecycle.RegisterActivity(serverID, clientID)

	return StartResult{Success: true, ConnectionID: connID, Transport: kind}, nil
}

// ensureConnection returns the live connection for sc, opening one via
// the resolved adapter if none exists yet. Concurrent first-callers for
// the same server id collapse onto a single CreateConnection via
// singleflight, so start_server is idempotent even under a concurrent
// start_server/send_request race rather than merely by accident.
func (g *Gateway) ensureConnection(ctx context.Context, sc ServerConfig) (transport.ConnectionID, transport.Kind, error) {
	g.mu.RLock()
	if existing, ok := g.conns[sc.ID]; ok {
		g.mu.RUnlock()
		return existing.connID, existing.kind, nil
	}
	g.mu.RUnlock()

	v, err, _ := g.connectGroup.Do(sc.ID, func() (any, error) {
		g.mu.RLock()
		if existing, ok := g.conns[sc.ID]; ok {
			g.mu.RUnlock()
			return existing, nil
		}
		g.mu.RUnlock()

		kind := transport.DetectKind(transport.DetectHint{
			TransportHint: sc.TransportHint,
			PackageName:   packageNameOf(sc.Command),
			ServerID:      sc.ID,
		})
		adapter := g.registry.Get(kind)

		connID, err := adapter.CreateConnection(ctx, transport.ConnectParams{
			ServerID:   sc.ID,
			Command:    sc.Command,
			Args:       sc.Args,
			Env:        sc.Env,
			WorkingDir: sc.WorkingDir,
			URL:        sc.URL,
			Protocols:  sc.Protocols,
		})
		if err != nil {
			return nil, err
		}

		newConn := serverConn{connID: connID, kind: kind}
		g.mu.Lock()
		g.conns[sc.ID] = newConn
		g.mu.Unlock()
		return newConn, nil
	})
	if err != nil {
		return "", "", err
	}
	resolved := v.(serverConn)
	return resolved.connID, resolved.kind, nil
}

// SendRequest auto-starts the connection on first use, registers
// activity, validates the frame, forwards it through the adapter, and
// counts the request (spec.md §4.H).
func (g *Gateway) SendRequest(ctx context.Context, serverID, clientID string, frame *jsonrpc.Frame) (*jsonrpc.Frame, error) {
	g.mu.RLock()
	sc, ok := g.configs[serverID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	if err := jsonrpc.Validate(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	connID, kind, err := g.ensureConnection(ctx, sc)
	if err != nil {
		return nil, err
	}
	g.lifecycle.RegisterActivity(serverID, clientID)

	resp, err := g.registry.Get(kind).Send(ctx, connID, frame)
	g.requestsTotal.Add(1)
	return resp, err
}

// StopServer closes serverID's connection and drops its slot. Idempotent
// on an already-stopped (but registered) server id; an id that was never
// registered via RegisterServer is a structured ErrUnknownServer rather
// than a silent no-op (spec.md §8).
func (g *Gateway) StopServer(serverID string) error {
	g.mu.RLock()
	_, registered := g.configs[serverID]
	g.mu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	g.mu.Lock()
	sc, ok := g.conns[serverID]
	if ok {
		delete(g.conns, serverID)
	}
	g.mu.Unlock()

	g.lifecycle.Evict(serverID)

	if !ok {
		return nil
	}
	return g.registry.Get(sc.kind).Close(sc.connID)
}

// GetMetrics aggregates the request counter, adapter metrics, and
// lifecycle slot stats into one snapshot. Process metrics (CPU, memory,
// restarts of supervised children) are not included.
func (g *Gateway) GetMetrics() Metrics {
	g.mu.RLock()
	active := len(g.conns)
	g.mu.RUnlock()

	return Metrics{
		RequestsTotal:     g.requestsTotal.Load(),
		ActiveConnections: active,
		ByTransport:       g.registry.Metrics(),
		Lifecycle:         g.lifecycle.Stats(),
	}
}

// Shutdown sleeps for the whole grace period, then closes the Lifecycle
// Manager and the registry's adapters, terminating all supervised
// children. It does not reject new activity and does not track
// outstanding requests: the wait is the full grace period whether or not
// any request is still in flight.
func (g *Gateway) Shutdown(grace time.Duration) error {
	if grace > 0 {
		time.Sleep(grace)
	}
	g.lifecycle.Close()
	return g.registry.Shutdown()
}
