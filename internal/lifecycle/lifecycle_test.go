package lifecycle

import (
	"sync"
	"testing"
	"time"
)

func TestRegisterActivity_CreatesSlot(t *testing.T) {
	m := NewManager(nil, WithIdleTimeout(time.Hour), WithSweepInterval(time.Hour))
	defer m.Close()

	m.RegisterActivity("srv", "c1")
	stats := m.Stats()
	if len(stats) != 1 || stats[0].ServerID != "srv" || stats[0].ClientCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !m.ShouldKeepAlive("srv") {
		t.Fatal("expected should_keep_alive true with one client")
	}
}

// TestIdleCleanup_FiresAfterTimeout exercises spec scenario S2: after the
// last client unregisters, a cleanup event fires once idle_timeout
// elapses, and the slot disappears from Stats.
func TestIdleCleanup_FiresAfterTimeout(t *testing.T) {
	var mu sync.Mutex
	var got []string

	m := NewManager(func(serverID string) {
		mu.Lock()
		got = append(got, serverID)
		mu.Unlock()
	}, WithIdleTimeout(200*time.Millisecond), WithSweepInterval(time.Hour))
	defer m.Close()

	m.RegisterActivity("srv", "c1")
	m.UnregisterClient("c1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "srv" {
		t.Fatalf("expected exactly one cleanup(srv), got %v", got)
	}
	if len(m.Stats()) != 0 {
		t.Fatalf("expected slot to be gone, got %+v", m.Stats())
	}
}

func TestActivityCancelsPendingCleanup(t *testing.T) {
	var mu sync.Mutex
	fired := false

	m := NewManager(func(serverID string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, WithIdleTimeout(150*time.Millisecond), WithSweepInterval(time.Hour))
	defer m.Close()

	m.RegisterActivity("srv", "c1")
	m.UnregisterClient("c1")
	time.Sleep(50 * time.Millisecond)
	m.RegisterActivity("srv", "c2") // cancels the pending handle

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("cleanup fired despite new activity cancelling the handle")
	}
	if !m.ShouldKeepAlive("srv") {
		t.Fatal("expected slot to still be alive")
	}
}

func TestForceCleanup_ReapsEmptySlotsImmediately(t *testing.T) {
	m := NewManager(nil, WithIdleTimeout(time.Hour), WithSweepInterval(time.Hour))
	defer m.Close()

	m.RegisterActivity("a", "c1")
	m.RegisterActivity("b", "c2")
	m.UnregisterClient("c1")

	n := m.ForceCleanup()
	if n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].ServerID != "b" {
		t.Fatalf("expected only slot b to survive, got %+v", stats)
	}
}
