package optimizer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PoolConfig tunes the HTTP keep-alive pool (spec.md §4.E).
type PoolConfig struct {
	KeepAliveTimeout time.Duration
	MaxSockets       int
	SweepInterval    time.Duration
}

// DefaultPoolConfig matches spec.md's documented knobs.
var DefaultPoolConfig = PoolConfig{
	KeepAliveTimeout: 60 * time.Second,
	MaxSockets:       10,
	SweepInterval:    30 * time.Second,
}

type poolEntry struct {
	value      any
	lastUsedAt time.Time
}

// Pool is a size-bounded, TTL-swept cache of per-(host,port) resources —
// typically *http.Client instances, but GetOrCreate stores values of any
// type so the same pool shape serves any keyed, reusable connection
// resource.
//
// Grounded on backend/manager/manager.go's shared *http.Client idea,
// generalized with an LRU (github.com/hashicorp/golang-lru/v2) for the
// max_sockets bound and a periodic sweep goroutine for keep_alive_timeout
// eviction, matching spec.md §4.E's "periodic sweep every 30s evicts idle
// entries".
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	entries *lru.Cache[string, *poolEntry]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool constructs a Pool and starts its sweeper goroutine.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = DefaultPoolConfig.MaxSockets
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = DefaultPoolConfig.KeepAliveTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultPoolConfig.SweepInterval
	}
	c, _ := lru.New[string, *poolEntry](cfg.MaxSockets)
	p := &Pool{cfg: cfg, entries: c, stop: make(chan struct{})}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// GetOrCreate returns the pooled value for key, calling create() to build
// one on a miss.
func (p *Pool) GetOrCreate(key string, create func() any) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries.Get(key); ok {
		e.lastUsedAt = time.Now()
		return e.value
	}
	v := create()
	p.entries.Add(key, &poolEntry{value: v, lastUsedAt: time.Now()})
	return v
}

// Len reports the current number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, key := range p.entries.Keys() {
		e, ok := p.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastUsedAt) >= p.cfg.KeepAliveTimeout {
			p.entries.Remove(key)
		}
	}
}

// Close stops the sweeper goroutine. Pooled values are left for the
// caller to close as appropriate (the Pool does not know their type).
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
