package process

import (
	"io"
	"time"

	"go.uber.org/atomic"
)

// State is the supervisor-observable lifecycle state of a child process.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// MaxLogLines bounds each stream's ring buffer, per spec.md §3/§8. Not a
// configurable knob (spec.md §6 lists no log-retention setting).
const MaxLogLines = 1000

// Limits bounds the Supervisor's process cap, restart cap, and restart
// delay — spec.md §6's process_cap/restart_cap/restart_delay knobs.
type Limits struct {
	MaxProcesses int
	MaxRestarts  int
	RestartDelay time.Duration
}

// DefaultLimits matches spec.md §3/§8's documented defaults.
var DefaultLimits = Limits{
	MaxProcesses: 100,
	MaxRestarts:  5,
	RestartDelay: 1 * time.Second,
}

// Config is the input to Spawn.
type Config struct {
	Command     string
	Args        []string
	Env         map[string]string
	WorkingDir  string
	AutoRestart bool
}

// Metrics is a point-in-time resource snapshot for one process.
type Metrics struct {
	CPUPercent float64
	MemBytes   uint64
}

// Record is the supervisor's public view of one managed process.
type Record struct {
	InternalID   string
	PID          int
	Command      string
	Args         []string
	Env          map[string]string
	WorkingDir   string
	State        State
	StartedAt    time.Time
	ExitCode     *int
	ExitSignal   string
	RestartCount int
	AutoRestart  bool
	Metrics      Metrics
}

// Logs is the paired stdout/stderr tail returned by Supervisor.Logs.
type Logs struct {
	Stdout []string
	Stderr []string
}

// entry is the supervisor-internal, mutex-guarded state backing a Record.
// Mutation happens only from the supervisor's own control path (spawn,
// exit handling, restart, stop); readers take a lock-protected snapshot.
type entry struct {
	cfg Config

	stdout *ring
	stderr *ring
	stdin  io.WriteCloser

	restartCount atomic.Int32

	// mutable fields guarded by Supervisor.mu (single-writer policy, §5).
	pid        int
	state      State
	startedAt  time.Time
	exitCode   *int
	exitSignal string
	cpuPercent float64
	memBytes   uint64

	stopRequested bool // set by Stop/graceful shutdown; suppresses auto-restart

	cancelMonitor chan struct{}
}

func (e *entry) snapshot(id string) Record {
	return Record{
		InternalID:   id,
		PID:          e.pid,
		Command:      e.cfg.Command,
		Args:         append([]string(nil), e.cfg.Args...),
		Env:          e.cfg.Env,
		WorkingDir:   e.cfg.WorkingDir,
		State:        e.state,
		StartedAt:    e.startedAt,
		ExitCode:     e.exitCode,
		ExitSignal:   e.exitSignal,
		RestartCount: int(e.restartCount.Load()),
		AutoRestart:  e.cfg.AutoRestart,
		Metrics:      Metrics{CPUPercent: e.cpuPercent, MemBytes: e.memBytes},
	}
}
