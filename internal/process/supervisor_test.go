package process

import (
	"sync"
	"testing"
	"time"
)

func TestSpawn_BadConfig(t *testing.T) {
	s := NewSupervisor(Handler{}, DefaultLimits)
	defer s.Close()
	if _, err := s.Spawn(Config{}); err != ErrBadConfig {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

func TestSpawn_StatusStopLifecycle(t *testing.T) {
	s := NewSupervisor(Handler{}, DefaultLimits)
	defer s.Close()

	id, err := s.Spawn(Config{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	rec, err := s.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.State != StateRunning {
		t.Fatalf("expected running, got %s", rec.State)
	}
	if rec.PID == 0 {
		t.Fatal("expected non-zero pid")
	}

	ok, err := s.Stop(id, 1000)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !ok {
		t.Fatal("expected stop to report true")
	}

	rec, err = s.Status(id)
	if err != nil {
		t.Fatalf("status after stop: %v", err)
	}
	if rec.State == StateRunning {
		t.Fatal("expected process to be stopped")
	}
}

func TestStop_UnknownIDReturnsNotFound(t *testing.T) {
	s := NewSupervisor(Handler{}, DefaultLimits)
	defer s.Close()
	if _, err := s.Stop("does-not-exist", 100); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogs_CaptureStdout(t *testing.T) {
	var mu sync.Mutex
	var gotLines []string
	h := Handler{
		OnOutput: func(id, stream, line string, ts time.Time) {
			mu.Lock()
			defer mu.Unlock()
			gotLines = append(gotLines, line)
		},
	}
	s := NewSupervisor(h, DefaultLimits)
	defer s.Close()

	id, err := s.Spawn(Config{Command: "printf", Args: []string{"hello\nworld\n"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, _ := s.Logs(id, 10)
		if len(logs.Stdout) >= 2 {
			if logs.Stdout[0] != "hello" || logs.Stdout[1] != "world" {
				t.Fatalf("unexpected stdout lines: %v", logs.Stdout)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for stdout capture")
}

func TestSpawn_CapacityExceeded(t *testing.T) {
	s := NewSupervisor(Handler{}, DefaultLimits)
	defer s.Close()
	for i := 0; i < DefaultLimits.MaxProcesses; i++ {
		s.mu.Lock()
		s.entries[fmt32(i)] = &entry{state: StateRunning}
		s.mu.Unlock()
	}
	if _, err := s.Spawn(Config{Command: "true"}); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func fmt32(i int) string {
	const hex = "0123456789abcdef"
	b := []byte{hex[(i>>4)&0xf], hex[i&0xf]}
	return "fake_" + string(b)
}

func TestList(t *testing.T) {
	s := NewSupervisor(Handler{}, DefaultLimits)
	defer s.Close()
	id, err := s.Spawn(Config{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	recs := s.List()
	found := false
	for _, r := range recs {
		if r.InternalID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected spawned process in List()")
	}
}
