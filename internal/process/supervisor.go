// Package process spawns, supervises, restarts, and meters child
// processes used by the stdio transport.
//
// Grounded on the exec.CommandContext + stdin/stdout-pipe + cmd.Wait()
// monitor-goroutine pattern in other_examples' RevittCo-mcplexer
// instance.go, combined with the restart-accounting ideas latent in
// manager/manager.go's OnExited/checkErrorThreshold and the
// RetryPolicy/restart_count wire fields of backend/overseer/client.go. The
// teacher treats process supervision as an external collaborator
// (sticky-overseer); this package supplements that dropped functionality
// natively in Go.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// MetricsSampleInterval is how often CPU/RSS are refreshed per live process.
const MetricsSampleInterval = 5 * time.Second

// Supervisor owns the process table. It is the single writer for every
// entry; callers only ever see Record snapshots.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*entry

	handler Handler
	limits  Limits
	idSeq   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor constructs a Supervisor bounded by limits (zero fields
// fall back to DefaultLimits). Call Close to stop the metrics sampler and
// terminate every managed process.
func NewSupervisor(h Handler, limits Limits) *Supervisor {
	if limits.MaxProcesses <= 0 {
		limits.MaxProcesses = DefaultLimits.MaxProcesses
	}
	if limits.MaxRestarts <= 0 {
		limits.MaxRestarts = DefaultLimits.MaxRestarts
	}
	if limits.RestartDelay <= 0 {
		limits.RestartDelay = DefaultLimits.RestartDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		entries: make(map[string]*entry),
		handler: h,
		limits:  limits,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.metricsLoop()
	return s
}

func (s *Supervisor) liveCount() int {
	n := 0
	for _, e := range s.entries {
		if e.state == StateRunning {
			n++
		}
	}
	return n
}

// Spawn starts a new child process under supervision and returns its
// internal id.
func (s *Supervisor) Spawn(cfg Config) (string, error) {
	if cfg.Command == "" {
		return "", ErrBadConfig
	}

	s.mu.Lock()
	if s.liveCount() >= s.limits.MaxProcesses {
		s.mu.Unlock()
		return "", ErrCapacityExceeded
	}
	id := fmt.Sprintf("proc_%d_%s", s.idSeq.Add(1), uuid.New().String()[:8])
	e := &entry{
		cfg:    cfg,
		stdout: newRing(MaxLogLines),
		stderr: newRing(MaxLogLines),
		state:  StateStopped,
	}
	s.entries[id] = e
	s.mu.Unlock()

	if err := s.start(id, e); err != nil {
		return "", err
	}
	return id, nil
}

// start launches the OS process for an existing entry (used by both Spawn
// and the restart path).
func (s *Supervisor) start(id string, e *entry) error {
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.WorkingDir
	cmd.Env = mergedEnv(e.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.markSpawnError(id, e, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.markSpawnError(id, e, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.markSpawnError(id, e, err)
	}

	if err := cmd.Start(); err != nil {
		return s.markSpawnError(id, e, err)
	}

	s.mu.Lock()
	e.pid = cmd.Process.Pid
	e.state = StateRunning
	e.startedAt = time.Now()
	e.exitCode = nil
	e.exitSignal = ""
	e.stopRequested = false
	e.stdin = stdin
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readStream(id, e, "stdout", stdout)
	go s.readStream(id, e, "stderr", stderr)

	s.wg.Add(1)
	go s.monitor(id, e, cmd)

	return nil
}

func (s *Supervisor) markSpawnError(id string, e *entry, err error) error {
	s.mu.Lock()
	e.state = StateError
	s.mu.Unlock()
	s.handler.errored(id, err.Error())
	return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Supervisor) readStream(id string, e *entry, stream string, r io.ReadCloser) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := e.stdout
	if stream == "stderr" {
		buf = e.stderr
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.mu.Lock()
		buf.add(line)
		s.mu.Unlock()
		s.handler.output(id, stream, line)
	}
}

func (s *Supervisor) monitor(id string, e *entry, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()

	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				signal = exitErr.String()
			}
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	e.state = StateStopped
	e.exitCode = &exitCode
	e.exitSignal = signal
	stopRequested := e.stopRequested
	lastRSS := e.memBytes
	uptime := time.Since(e.startedAt)
	s.mu.Unlock()

	log.Printf("process: %s exited (code=%d signal=%q uptime=%s last_rss=%s)",
		id, exitCode, signal, uptime.Round(time.Second), humanize.Bytes(lastRSS))

	s.handler.exited(id, exitCode)

	if stopRequested {
		return
	}
	if exitCode == 0 || !e.cfg.AutoRestart {
		return
	}

	s.mu.RLock()
	restarts := int(e.restartCount.Load())
	s.mu.RUnlock()
	if restarts >= s.limits.MaxRestarts {
		// state stays stopped: spec.md §4.B reserves StateError for spawn
		// failures, not for a restart cap reached on exit (§8 S3).
		s.handler.errored(id, "restart cap exhausted")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.limits.RestartDelay):
		case <-s.ctx.Done():
			return
		}
		attempt := int(e.restartCount.Add(1))
		if err := s.start(id, e); err != nil {
			log.Printf("process: restart %s (attempt %d): %v", id, attempt, err)
			return
		}
		s.handler.restart(id, attempt)
	}()
}

// Stop terminates a process gracefully: SIGTERM, wait up to timeoutMs,
// then SIGKILL. Idempotent — returns true if the process is not running
// when Stop returns.
func (s *Supervisor) Stop(id string, timeoutMs int) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	if e.state != StateRunning {
		s.mu.Unlock()
		return true, nil
	}
	e.stopRequested = true
	pid := e.pid
	s.mu.Unlock()

	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		_ = proc.Signal(terminateSignal())
	}

	deadline := time.After(time.Duration(timeoutMs) * time.Millisecond)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if proc != nil {
				_ = proc.Kill()
			}
			s.waitStopped(id, 500*time.Millisecond)
			return s.isStopped(id), nil
		case <-tick.C:
			if s.isStopped(id) {
				return true, nil
			}
		}
	}
}

func (s *Supervisor) isStopped(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return true
	}
	return e.state != StateRunning
}

func (s *Supervisor) waitStopped(id string, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if s.isStopped(id) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WriteLine writes line+"\n" to the process's stdin. Used by the stdio
// transport to deliver JSON-RPC frames to the child.
func (s *Supervisor) WriteLine(id string, line string) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if e.state != StateRunning || e.stdin == nil {
		return fmt.Errorf("process %s is not running", id)
	}
	_, err := e.stdin.Write([]byte(line + "\n"))
	return err
}

// Status returns the current Record for id.
func (s *Supervisor) Status(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.snapshot(id), nil
}

// Logs returns the last n lines of stdout and stderr for id.
func (s *Supervisor) Logs(id string, lastN int) (Logs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Logs{}, ErrNotFound
	}
	if lastN <= 0 || lastN > MaxLogLines {
		lastN = MaxLogLines
	}
	return Logs{Stdout: e.stdout.lastN(lastN), Stderr: e.stderr.lastN(lastN)}, nil
}

// List returns a summary of every tracked process.
func (s *Supervisor) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, e.snapshot(id))
	}
	return out
}

// Close stops every managed process and shuts down the metrics sampler.
func (s *Supervisor) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_, _ = s.Stop(id, 1000)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) metricsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(MetricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll()
		}
	}
}

func (s *Supervisor) sampleAll() {
	s.mu.RLock()
	type target struct {
		e         *entry
		pid       int
		startedAt time.Time
	}
	targets := make([]target, 0, len(s.entries))
	for _, e := range s.entries {
		if e.state == StateRunning {
			targets = append(targets, target{e: e, pid: e.pid, startedAt: e.startedAt})
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		m := sampleMetrics(t.pid, t.startedAt)
		s.mu.Lock()
		t.e.cpuPercent = m.CPUPercent
		t.e.memBytes = m.MemBytes
		s.mu.Unlock()
	}
}
