package optimizer

import (
	"sync"
	"testing"
	"time"
)

func TestBatcher_FlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var got [][][]byte

	b := NewBatcher(BatchConfig{MaxSize: 3, MaxDelay: time.Hour}, func(batch [][]byte) {
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
	})
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Enqueue([]byte{byte(i)})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %+v", got)
	}
	if got[0][0][0] != 0 || got[0][1][0] != 1 || got[0][2][0] != 2 {
		t.Fatalf("expected order preserved, got %+v", got)
	}
}

func TestBatcher_FlushesOnAge(t *testing.T) {
	var mu sync.Mutex
	flushed := false

	b := NewBatcher(BatchConfig{MaxSize: 100, MaxDelay: 30 * time.Millisecond}, func(batch [][]byte) {
		mu.Lock()
		flushed = true
		mu.Unlock()
	})
	defer b.Close()

	b.Enqueue([]byte("x"))
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !flushed {
		t.Fatal("expected age-triggered flush")
	}
}

func TestPool_EvictsAfterKeepAliveTimeout(t *testing.T) {
	p := NewPool(PoolConfig{MaxSockets: 8, KeepAliveTimeout: 50 * time.Millisecond, SweepInterval: 20 * time.Millisecond})
	defer p.Close()

	calls := 0
	mk := func() any { calls++; return calls }

	p.GetOrCreate("host:1", mk)
	if p.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", p.Len())
	}

	time.Sleep(200 * time.Millisecond)
	if p.Len() != 0 {
		t.Fatalf("expected sweep to evict idle entry, got len=%d", p.Len())
	}
}
