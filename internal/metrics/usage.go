package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of the server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory figures for pid.
func Sample(pid int) (Usage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{
		PID:       int32(pid),
		MemoryRSS: mem.RSS,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		Timestamp: time.Now(),
	}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Sampler periodically samples the server pid and keeps the latest value.
type Sampler struct {
	name     string
	interval time.Duration
	pid      func() int

	mu   sync.RWMutex
	last Usage
	ok   bool
}

func NewSampler(name string, interval time.Duration, pid func() int) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{name: name, interval: interval, pid: pid}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.collect()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sampler) collect() {
	pid := s.pid()
	if pid <= 0 {
		s.mu.Lock()
		s.ok = false
		s.mu.Unlock()
		SetUsage(s.name, 0, 0)
		return
	}
	u, err := Sample(pid)
	if err != nil {
		slog.Debug("resource sample failed", "name", s.name, "pid", pid, "error", err)
		return
	}
	s.mu.Lock()
	s.last, s.ok = u, true
	s.mu.Unlock()
	SetUsage(s.name, u.CPUPercent, u.MemoryRSS)
}

// Last returns the most recent sample, if any.
func (s *Sampler) Last() (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}
