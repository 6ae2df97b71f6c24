// Package lifecycle tracks how many clients are using each logical
// server id and schedules idle cleanup once the last one disconnects.
//
// Grounded on manager/manager.go's subState map (per-key mutex-guarded
// runtime state keyed by an id, with a reconcile sweeper as a safety net
// against missed events) and its use of time.AfterFunc for delayed
// restarts, generalized from "restart the worker" to "arm a one-shot
// cleanup handle, cancelled by the next activity".
package lifecycle

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a server slot with no clients survives
// before the Manager fires a cleanup event (spec.md §4.G).
const DefaultIdleTimeout = 5 * time.Minute

// DefaultSweepInterval is the safety-net sweeper period.
const DefaultSweepInterval = 30 * time.Second

// ServerSlot is the Manager's record for one logical server id. Mutation
// happens only on the Manager's own control path; callers only see Stats
// snapshots.
type ServerSlot struct {
	ServerID       string
	Clients        map[string]struct{}
	LastActivityAt time.Time
	cleanupTimer   *time.Timer
}

// Stats is the per-server summary returned by Manager.Stats.
type Stats struct {
	ServerID       string
	ClientCount    int
	LastActivityAt time.Time
	CleanupArmed   bool
}

// Manager is the Lifecycle Manager (spec.md §4.G). It is safe for
// concurrent use.
type Manager struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	onCleanup     func(serverID string)

	mu    sync.Mutex
	slots map[string]*ServerSlot

	cleanupCh chan string

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// NewManager constructs a Manager and starts its background sweeper.
// Call Close to stop it. Cleanup events are delivered to onCleanup, if
// non-nil, and published on the Events channel; that channel holds 64
// events, and an event that finds it full is dropped from the channel.
func NewManager(onCleanup func(serverID string), opts ...Option) *Manager {
	m := &Manager{
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		onCleanup:     onCleanup,
		slots:         make(map[string]*ServerSlot),
		cleanupCh:     make(chan string, 64),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Events returns the channel cleanup(server_id) notifications are
// published on (spec.md §4.G "observable cleanup event stream").
func (m *Manager) Events() <-chan string {
	return m.cleanupCh
}

// RegisterActivity creates the slot for serverID if absent, adds
// clientID, refreshes last_activity_at, and cancels any pending cleanup
// handle.
func (m *Manager) RegisterActivity(serverID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[serverID]
	if !ok {
		slot = &ServerSlot{ServerID: serverID, Clients: make(map[string]struct{})}
		m.slots[serverID] = slot
	}
	slot.Clients[clientID] = struct{}{}
	slot.LastActivityAt = time.Now()
	m.cancelHandle(slot)
}

// UnregisterClient removes clientID from whatever slot it belongs to. If
// that was the slot's last client, a one-shot cleanup handle is armed for
// now + idle_timeout.
func (m *Manager) UnregisterClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serverID, slot := range m.slots {
		if _, ok := slot.Clients[clientID]; !ok {
			continue
		}
		delete(slot.Clients, clientID)
		if len(slot.Clients) == 0 {
			m.armHandle(serverID, slot)
		}
		return
	}
}

// armHandle schedules the one-shot cleanup fire for an empty slot. Caller
// must hold m.mu.
func (m *Manager) armHandle(serverID string, slot *ServerSlot) {
	m.cancelHandle(slot)
	slot.cleanupTimer = time.AfterFunc(m.idleTimeout, func() {
		m.fire(serverID)
	})
}

// cancelHandle stops any pending timer on slot. Caller must hold m.mu.
func (m *Manager) cancelHandle(slot *ServerSlot) {
	if slot.cleanupTimer != nil {
		slot.cleanupTimer.Stop()
		slot.cleanupTimer = nil
	}
}

// fire is invoked (from the timer goroutine, or the sweeper) once a slot
// has been idle past idle_timeout with no clients. It deletes the slot
// and publishes the cleanup event exactly once.
func (m *Manager) fire(serverID string) {
	m.mu.Lock()
	slot, ok := m.slots[serverID]
	if !ok || len(slot.Clients) != 0 {
		m.mu.Unlock()
		return
	}
	delete(m.slots, serverID)
	m.mu.Unlock()

	select {
	case m.cleanupCh <- serverID:
	default:
	}
	if m.onCleanup != nil {
		m.onCleanup(serverID)
	}
}

// Evict immediately removes serverID's slot regardless of client count or
// idle_timeout, without publishing a cleanup event — used by an explicit
// stop_server call, where the Gateway is already closing the connection
// itself and does not need to be told to do so again.
func (m *Manager) Evict(serverID string) {
	m.mu.Lock()
	slot, ok := m.slots[serverID]
	if ok {
		m.cancelHandle(slot)
		delete(m.slots, serverID)
	}
	m.mu.Unlock()
}

// ShouldKeepAlive reports whether serverID currently has at least one
// registered client.
func (m *Manager) ShouldKeepAlive(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[serverID]
	return ok && len(slot.Clients) > 0
}

// ForceCleanup immediately reaps every slot with zero clients, regardless
// of idle_timeout, and returns the number reaped.
func (m *Manager) ForceCleanup() int {
	m.mu.Lock()
	var targets []string
	for serverID, slot := range m.slots {
		if len(slot.Clients) == 0 {
			targets = append(targets, serverID)
		}
	}
	m.mu.Unlock()

	for _, serverID := range targets {
		m.fire(serverID)
	}
	return len(targets)
}

// Stats returns a per-server summary snapshot.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.slots))
	for _, slot := range m.slots {
		out = append(out, Stats{
			ServerID:       slot.ServerID,
			ClientCount:    len(slot.Clients),
			LastActivityAt: slot.LastActivityAt,
			CleanupArmed:   slot.cleanupTimer != nil,
		})
	}
	return out
}

// sweepLoop is the periodic safety net (spec.md §4.G): it catches any
// slot whose timer was lost (e.g. a missed fire during a GC pause) by
// re-checking idle duration directly.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var stale []string
	now := time.Now()
	for serverID, slot := range m.slots {
		if len(slot.Clients) == 0 && now.Sub(slot.LastActivityAt) >= m.idleTimeout {
			stale = append(stale, serverID)
		}
	}
	m.mu.Unlock()

	for _, serverID := range stale {
		m.fire(serverID)
	}
}

// Close stops the sweeper and cancels every pending cleanup timer without
// firing cleanup events (used on broker shutdown, where every connection
// is about to be closed anyway).
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	for _, slot := range m.slots {
		m.cancelHandle(slot)
	}
	m.mu.Unlock()
}
