package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// parser accepts standard five field expressions, an optional leading seconds
// field, and descriptors such as "@daily" or "@every 6h".
var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Parse validates a schedule expression.
func Parse(expr string) (rcron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Job is a named task run on a schedule.
// Non-overlap: when Singleton is set and the previous run is still active,
// the tick is skipped.
type Job struct {
	Name      string
	Schedule  string
	Singleton bool
	// Timeout bounds one run; zero means no limit.
	Timeout time.Duration
	Run     func(ctx context.Context) error

	running atomic.Bool
	id      rcron.EntryID
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has nothing to run", j.Name)
	}
	return nil
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	mu     sync.Mutex
	c      *rcron.Cron
	jobs   map[string]*Job
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      rcron.New(rcron.WithParser(parser)),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "cron"),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(j *Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	sched, err := Parse(j.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("cron job %s already exists", j.Name)
	}
	j.id = s.c.Schedule(sched, rcron.FuncJob(func() { s.fire(j) }))
	s.jobs[j.Name] = j
	s.logger.Info("job scheduled", "job", j.Name, "schedule", j.Schedule, "next", sched.Next(time.Now()).Format(time.RFC3339))
	return nil
}

// Remove unschedules a job; a run in progress is not interrupted.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.c.Remove(j.id)
	delete(s.jobs, name)
	return true
}

// Next returns the next activation of the named job, zero when unknown or
// before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(j.id).Next
}

func (s *Scheduler) fire(j *Job) {
	if j.Singleton && !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still active, skipping tick", "job", j.Name)
		return
	}
	if j.Singleton {
		defer j.running.Store(false)
	}
	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	begin := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", j.Name, "error", err)
		return
	}
	s.logger.Info("scheduled job finished", "job", j.Name, "took", time.Since(begin).Truncate(time.Millisecond))
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop prevents new runs, cancels running ones and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.c.Stop()
	s.cancel()
	<-done.Done()
}
