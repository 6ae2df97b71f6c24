package process

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSec is the kernel's USER_HZ, almost universally 100 on Linux.
// sampleMetrics degrades to zeros rather than shelling out to getconf.
const clockTicksPerSec = 100

// sampleMetrics performs a best-effort CPU%/RSS read for pid via /proc.
// Any failure (process gone, non-Linux host, permissions) degrades to a
// zero Metrics value; it never returns an error because metric collection
// failures must not propagate (spec.md §4.B, §7).
func sampleMetrics(pid int, startedAt time.Time) Metrics {
	utimeTicks, stimeTicks, err := readProcStat(pid)
	if err != nil {
		return Metrics{}
	}

	rss, err := readProcRSS(pid)
	if err != nil {
		rss = 0
	}

	uptime := time.Since(startedAt).Seconds()
	if uptime <= 0 {
		return Metrics{MemBytes: rss}
	}

	cpuSeconds := float64(utimeTicks+stimeTicks) / clockTicksPerSec
	pct := (cpuSeconds / uptime) * 100
	if pct < 0 {
		pct = 0
	}
	return Metrics{CPUPercent: pct, MemBytes: rss}
}

// readProcStat parses /proc/<pid>/stat fields 14 (utime) and 15 (stime).
func readProcStat(pid int) (utime, stime int64, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// Field 2 (comm) may contain spaces/parens; split after the last ')'.
	s := string(raw)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[close+1:])
	// fields[0] is state (field 3); utime is field 14 → fields[11], stime field 15 → fields[12].
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("short /proc/%d/stat", pid)
	}
	utime, err = strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// readProcRSS parses VmRSS from /proc/<pid>/status, returning bytes.
func readProcRSS(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed VmRSS line")
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found")
}
