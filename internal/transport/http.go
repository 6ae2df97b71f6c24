package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/config"
	"github.com/whisper-darkly/mcpbroker/internal/jsonrpc"
	"github.com/whisper-darkly/mcpbroker/internal/transport/optimizer"
)

// httpConn is one request/response-style downstream server reached over
// plain HTTP POST. There is no persistent socket: Send performs a single
// round trip per call and the "connection" is purely bookkeeping plus a
// pooled *http.Client.
type httpConn struct {
	mu      sync.Mutex
	conn    Connection
	url     string
	handler MessageHandler
}

// HTTPAdapter is the default/fallback transport kind (spec.md §4.E). It
// keeps a small swept pool of *http.Client keyed by host so that repeated
// calls to the same downstream server reuse connections via keep-alive,
// instead of opening a fresh client per request.
//
// Grounded on backend/manager/manager.go's use of a shared *http.Client
// with a tuned Transport, generalized onto the Transport Optimizer's
// optimizer.Pool (itself an LRU from github.com/hashicorp/golang-lru/v2
// plus a periodic keep-alive sweep) keyed per host so many distinct
// downstream servers don't each pin an unbounded idle-connection budget.
type HTTPAdapter struct {
	mu             sync.RWMutex
	byConn         map[ConnectionID]*httpConn
	total          int
	requestTimeout time.Duration

	clients *optimizer.Pool
}

// NewHTTPAdapter constructs an HTTPAdapter whose client pool and
// per-request timeout are sourced from cfg (spec.md §6's
// http_max_sockets/http_keep_alive_ms/request_timeout knobs).
func NewHTTPAdapter(cfg config.Data) *HTTPAdapter {
	return &HTTPAdapter{
		byConn: make(map[ConnectionID]*httpConn),
		clients: optimizer.NewPool(optimizer.PoolConfig{
			MaxSockets:       cfg.HTTPMaxSockets,
			KeepAliveTimeout: time.Duration(cfg.HTTPKeepAliveMS) * time.Millisecond,
		}),
		requestTimeout: cfg.RequestTimeout,
	}
}

// SetTimeout implements optimizer's timeoutCapable probe, letting
// optimizer.Apply override the per-request deadline new clients are built
// with (spec.md §4.E's "timeout" tuning knob).
func (a *HTTPAdapter) SetTimeout(ms int) {
	a.mu.Lock()
	a.requestTimeout = time.Duration(ms) * time.Millisecond
	a.mu.Unlock()
}

// hostOf extracts the host:port component of rawURL for client-pool
// keying; on parse failure it falls back to the full URL so CreateConnection
// can never fail here, only Send's later request construction.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func (a *HTTPAdapter) clientFor(host string) *http.Client {
	a.mu.RLock()
	timeout := a.requestTimeout
	a.mu.RUnlock()
	v := a.clients.GetOrCreate(host, func() any {
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return v.(*http.Client)
}

// CreateConnection records the target URL; no network call is made until
// Send.
func (a *HTTPAdapter) CreateConnection(ctx context.Context, p ConnectParams) (ConnectionID, error) {
	if p.URL == "" {
		return "", ErrBadConfig
	}
	connID := newConnectionID(KindHTTP)
	hc := &httpConn{
		conn: Connection{
			ID:        connID,
			ServerID:  p.ServerID,
			Kind:      KindHTTP,
			State:     StateConnected,
			CreatedAt: time.Now(),
		},
		url: p.URL,
	}
	a.mu.Lock()
	a.byConn[connID] = hc
	a.total++
	a.mu.Unlock()
	return connID, nil
}

// Send performs a single HTTP POST of the encoded frame and decodes the
// response body as a frame. Notifications (no id expected back) still
// receive a synthetic ack so callers never block past the network round
// trip once the server has accepted the body.
func (a *HTTPAdapter) Send(ctx context.Context, id ConnectionID, frame *jsonrpc.Frame) (*jsonrpc.Frame, error) {
	a.mu.RLock()
	hc, ok := a.byConn[id]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}

	hc.mu.Lock()
	if hc.conn.State != StateConnected {
		hc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	targetURL := hc.url
	hc.mu.Unlock()

	out := *frame
	out.JSONRPC = jsonrpc.Version
	needsResponse := len(frame.ID) == 0 && frame.Method != ""
	if needsResponse {
		raw, _ := json.Marshal(newRequestID())
		out.ID = raw
	}

	body, err := jsonrpc.Encode(&out)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.clientFor(hostOf(targetURL))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	defer resp.Body.Close()

	if !needsResponse {
		return syntheticAck(frame.ID), nil
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	respFrame, err := jsonrpc.Decode(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return respFrame, nil
}

// Close drops the connection's bookkeeping; pooled *http.Client instances
// are left in the pool for reuse by other connections to the same host.
func (a *HTTPAdapter) Close(id ConnectionID) error {
	a.mu.Lock()
	hc, ok := a.byConn[id]
	if ok {
		delete(a.byConn, id)
	}
	a.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	hc.mu.Lock()
	hc.conn.State = StateDisconnected
	hc.mu.Unlock()
	return nil
}

// OnMessage is accepted for interface conformance; plain HTTP has no
// server-initiated messages outside a response, so h is never called.
func (a *HTTPAdapter) OnMessage(id ConnectionID, h MessageHandler) {
	a.mu.RLock()
	hc, ok := a.byConn[id]
	a.mu.RUnlock()
	if !ok {
		return
	}
	hc.mu.Lock()
	hc.handler = h
	hc.mu.Unlock()
}

// Metrics returns active/total connection counts.
func (a *HTTPAdapter) Metrics() AdapterMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AdapterMetrics{Active: len(a.byConn), Total: a.total}
}

// Shutdown stops the client pool's keep-alive sweeper goroutine.
func (a *HTTPAdapter) Shutdown() error {
	a.clients.Close()
	return nil
}
