package transport

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/transport/optimizer"
)

// DetectHint carries the caller-supplied signals used to pick a transport
// kind when none is forced explicitly (spec.md §4.F).
type DetectHint struct {
	// Explicit, highest-priority override.
	TransportHint string
	// PackageName is the downstream server's declared package/module name,
	// used for a name-based heuristic (e.g. "*-stdio", "*-ws").
	PackageName string
	// ServerID is consulted for a legacy id-prefix heuristic.
	ServerID string
}

// DetectKind resolves a transport Kind from hint, in the fixed order
// spec.md §4.F requires: explicit hint, MCP_MODE environment variable,
// package-name suffix, server-id prefix, then the http default.
func DetectKind(h DetectHint) Kind {
	if k, ok := parseKind(h.TransportHint); ok {
		return k
	}
	if k, ok := parseKind(os.Getenv("MCP_MODE")); ok {
		return k
	}
	if k, ok := kindFromPackageName(h.PackageName); ok {
		return k
	}
	if k, ok := kindFromServerID(h.ServerID); ok {
		return k
	}
	return KindHTTP
}

func parseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindStdio):
		return KindStdio, true
	case string(KindWS), "websocket":
		return KindWS, true
	case string(KindHTTP):
		return KindHTTP, true
	default:
		return "", false
	}
}

func kindFromPackageName(name string) (Kind, bool) {
	switch {
	case strings.HasSuffix(name, "-stdio"):
		return KindStdio, true
	case strings.HasSuffix(name, "-ws"), strings.HasSuffix(name, "-websocket"):
		return KindWS, true
	case strings.HasSuffix(name, "-http"):
		return KindHTTP, true
	default:
		return "", false
	}
}

func kindFromServerID(id string) (Kind, bool) {
	switch {
	case strings.HasPrefix(id, "stdio_"), strings.HasPrefix(id, "stdio:"):
		return KindStdio, true
	case strings.HasPrefix(id, "ws_"), strings.HasPrefix(id, "ws:"):
		return KindWS, true
	case strings.HasPrefix(id, "http_"), strings.HasPrefix(id, "http:"):
		return KindHTTP, true
	default:
		return "", false
	}
}

// Registry hands out a single shared Adapter instance per Kind, so every
// downstream connection of the same kind shares one process supervisor /
// reconnect pool / http client cache (spec.md §4.F).
type Registry struct {
	mu       sync.Mutex
	adapters map[Kind]Adapter
	tuning   optimizer.Tuning

	newStdio func() Adapter
	newWS    func() Adapter
	newHTTP  func() Adapter
}

// NewRegistry constructs a Registry with the standard stdio/ws/http
// adapters, each built from cfg (spec.md §6) and given the same
// optimizer.Tuning derived from cfg's request_timeout knob. Constructors
// are deferred until first use of each kind.
func NewRegistry(cfg config.Data) *Registry {
	return &Registry{
		adapters: make(map[Kind]Adapter),
		tuning:   optimizer.Tuning{Timeout: int(cfg.RequestTimeout.Milliseconds())},
		newStdio: func() Adapter { return NewStdioAdapter(cfg) },
		newWS:    func() Adapter { return NewWSAdapter(cfg) },
		newHTTP:  func() Adapter { return NewHTTPAdapter(cfg) },
	}
}

// Get returns the shared Adapter for kind, constructing it (and running
// it through optimizer.Apply) on first use.
func (r *Registry) Get(kind Kind) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[kind]; ok {
		return a
	}
	var a Adapter
	switch kind {
	case KindStdio:
		a = r.newStdio()
	case KindWS:
		a = r.newWS()
	default:
		a = r.newHTTP()
	}
	optimizer.Apply(a, r.tuning)
	r.adapters[kind] = a
	return a
}

// Metrics returns every constructed adapter's metrics, keyed by kind.
// Kinds never used are omitted rather than reported as zero.
func (r *Registry) Metrics() map[Kind]AdapterMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]AdapterMetrics, len(r.adapters))
	for k, a := range r.adapters {
		out[k] = a.Metrics()
	}
	return out
}

// Shutdown closes every constructed adapter that supports it, aggregating
// any errors across adapter kinds rather than stopping at the first one.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	for kind, a := range r.adapters {
		if s, ok := a.(interface{ Shutdown() error }); ok {
			if err := s.Shutdown(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", kind, err))
			}
		}
	}
	return result.ErrorOrNil()
}
