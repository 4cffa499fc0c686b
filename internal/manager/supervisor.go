package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gamekeeper/internal/detector"
	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	"github.com/loykin/gamekeeper/internal/logstream"
	"github.com/loykin/gamekeeper/internal/metrics"
	"github.com/loykin/gamekeeper/internal/process"
)

// Supervisor runs a single game server and tracks its lifecycle.
//
// Lock hierarchy:
//  1. opMu serializes lifecycle commands (start, stop, restart).
//  2. mu guards observable state and is only held for field access, so
//     Status never waits behind a command in progress.
type Supervisor struct {
	opMu sync.Mutex

	mu            sync.RWMutex
	settings      Settings
	classifier    *logstream.Classifier
	state         State
	handle        *process.Handle
	reader        *logstream.Reader
	generation    uint64
	startedAt     time.Time
	readyAt       time.Time
	stoppedAt     time.Time
	lastExitCode  *int
	degraded      bool
	lastCrashLine string
	stopRequested bool
	readyCh       chan struct{}
	abortCh       chan struct{}
	stopWaiters   int
	tail          *logstream.Tail

	console  io.Writer
	recorder *history.Recorder
	logger   *slog.Logger
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithConsole mirrors every console line to w.
func WithConsole(w io.Writer) Option { return func(s *Supervisor) { s.console = w } }

func WithRecorder(r *history.Recorder) Option { return func(s *Supervisor) { s.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func New(settings Settings, opts ...Option) (*Supervisor, error) {
	settings = settings.withDefaults()
	c, err := logstream.NewClassifier(settings.Patterns)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		settings:   settings,
		classifier: c,
		state:      StateStopped,
		tail:       logstream.NewTail(settings.TailLines),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("server", settings.Spec.Name)
	metrics.SetCurrentState(s.name(), StateStopped.String(), true)
	return s, nil
}

func (s *Supervisor) name() string { return s.settings.Spec.Name }

// UpdateSettings replaces the launch settings used by the next start.
func (s *Supervisor) UpdateSettings(settings Settings) error {
	settings = settings.withDefaults()
	c, err := logstream.NewClassifier(settings.Patterns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.classifier = c
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Status returns a consistent snapshot without waiting for running commands.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:          s.settings.Spec.Name,
		State:         s.state,
		Generation:    s.generation,
		Command:       s.settings.Spec.CommandLine(),
		StartedAt:     s.startedAt,
		ReadyAt:       s.readyAt,
		StoppedAt:     s.stoppedAt,
		Degraded:      s.degraded,
		LastCrashLine: s.lastCrashLine,
		TailLines:     s.tail.Len(),
	}
	if s.lastExitCode != nil {
		code := *s.lastExitCode
		st.LastExitCode = &code
	}
	if s.state.hasProcess() && s.handle != nil {
		st.PID = s.handle.PID()
		st.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	}
	return st
}

// PID returns the pid of the supervised process, or 0.
func (s *Supervisor) PID() int { return s.Status().PID }

// Logs returns up to n of the newest console lines.
func (s *Supervisor) Logs(n int) []string {
	s.mu.RLock()
	tail := s.tail
	s.mu.RUnlock()
	return tail.Last(n)
}

// setStateLocked must be called with mu held.
func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	name := s.settings.Spec.Name
	metrics.RecordStateTransition(name, prev.String(), next.String())
	metrics.SetCurrentState(name, prev.String(), false)
	metrics.SetCurrentState(name, next.String(), true)
}

func (s *Supervisor) record(t history.EventType, mutate func(*history.Event)) {
	if s.recorder == nil {
		return
	}
	e := history.NewEvent(t, s.name())
	s.mu.RLock()
	e.State = s.state.String()
	e.Generation = s.generation
	if s.handle != nil {
		e.PID = s.handle.PID()
	}
	s.mu.RUnlock()
	if mutate != nil {
		mutate(&e)
	}
	go s.recorder.Record(e)
}

// Start launches the server and waits for the ready marker or the startup
// grace period.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.mu.RLock()
	cur := s.state
	pid := 0
	if s.handle != nil {
		pid = s.handle.PID()
	}
	settings := s.settings
	classifier := s.classifier
	s.mu.RUnlock()

	if cur.hasProcess() {
		return &errdefs.Error{
			Kind:   errdefs.KindInvalidTransition,
			Op:     "start",
			Detail: fmt.Sprintf("server '%s' is already %s (PID: %d)", settings.Spec.Name, cur, pid),
			Err:    errdefs.ErrAlreadyRunning,
		}
	}

	if settings.Spec.PIDFile != "" {
		det := detector.PIDFileDetector{PIDFile: settings.Spec.PIDFile}
		if orphan, err := det.Alive(); err != nil {
			s.logger.Warn("pidfile check failed", "detector", det.Describe(), "error", err)
		} else if orphan > 0 {
			return &errdefs.Error{
				Kind:   errdefs.KindInvalidTransition,
				Op:     "start",
				Detail: fmt.Sprintf("a server started outside supervision is still running (PID: %d, %s)", orphan, det.Describe()),
				Err:    errdefs.ErrAlreadyRunning,
			}
		}
	}

	envList, err := settings.Env.Merge()
	if err != nil {
		return errdefs.Wrap(errdefs.KindSpawn, "start", err)
	}
	spec := settings.Spec
	spec.Env = envList

	h, err := process.Spawn(spec)
	if err != nil {
		s.logger.Error("spawn failed", "command", spec.CommandLine(), "error", err)
		return err
	}

	s.mu.Lock()
	// each generation gets its own tail; a reader left over from an earlier
	// generation keeps writing only to the old one
	s.tail = logstream.NewTail(settings.TailLines)
	s.generation++
	gen := s.generation
	s.handle = h
	s.startedAt = h.StartedAt()
	s.readyAt = time.Time{}
	s.degraded = false
	s.lastCrashLine = ""
	s.stopRequested = false
	readyCh := make(chan struct{})
	abortCh := make(chan struct{})
	s.readyCh = readyCh
	s.abortCh = abortCh
	if s.stopWaiters > 0 {
		close(abortCh)
		s.abortCh = nil
	}
	s.setStateLocked(StateStarting)
	tail := s.tail
	s.mu.Unlock()

	s.logger.Info("server started", "pid", h.PID(), "generation", gen, "command", spec.CommandLine())
	metrics.IncStart(settings.Spec.Name)
	s.record(history.EventStart, nil)

	reader := logstream.Start(h.Output(), logstream.Options{
		Generation: gen,
		Classifier: classifier,
		Tail:       tail,
		Sink:       s.console,
		OnEvent:    s.onEvent,
		Logger:     s.logger,
	})
	s.mu.Lock()
	s.reader = reader
	s.mu.Unlock()

	go s.watch(h)

	timer := time.NewTimer(settings.StartupGrace)
	defer timer.Stop()
	select {
	case <-readyCh:
		return nil
	case <-h.Done():
		s.handleExit(h)
		code, _ := h.ExitCode()
		return &errdefs.Error{
			Kind:   errdefs.KindCrash,
			Op:     "start",
			Detail: fmt.Sprintf("server exited during startup with code %d", code),
		}
	case <-abortCh:
		s.logger.Info("startup wait interrupted by stop request")
		return nil
	case <-ctx.Done():
		s.promoteDegraded(h, "startup wait canceled")
		return ctx.Err()
	case <-timer.C:
	}

	if settings.RequireReady {
		s.logger.Error("ready marker not seen, stopping server", "grace", settings.StartupGrace)
		s.mu.Lock()
		s.stopRequested = true
		s.setStateLocked(StateStopping)
		s.mu.Unlock()
		res := s.escalate(context.Background(), h, 0, settings)
		s.finishStop(h, res)
		return &errdefs.Error{
			Kind:   errdefs.KindTimeout,
			Op:     "start",
			Detail: fmt.Sprintf("no ready marker within %s", settings.StartupGrace),
		}
	}
	s.promoteDegraded(h, "no ready marker within startup grace")
	return nil
}

// promoteDegraded treats a live process that never reported ready as running.
func (s *Supervisor) promoteDegraded(h *process.Handle, reason string) {
	s.mu.Lock()
	promoted := false
	if s.handle == h && s.state == StateStarting && h.IsAlive() {
		s.degraded = true
		s.setStateLocked(StateRunning)
		promoted = true
	}
	s.mu.Unlock()
	if promoted {
		s.logger.Warn("server assumed running", "reason", reason, "pid", h.PID())
	}
}

func (s *Supervisor) onEvent(e logstream.Event) {
	switch e.Kind {
	case logstream.KindReady:
		s.mu.Lock()
		if e.Generation != s.generation {
			s.mu.Unlock()
			return
		}
		var took time.Duration
		switch {
		case s.state == StateStarting:
			s.readyAt = e.Timestamp
			s.setStateLocked(StateRunning)
			if s.readyCh != nil {
				close(s.readyCh)
				s.readyCh = nil
			}
		case s.state == StateRunning && s.degraded:
			s.degraded = false
			s.readyAt = e.Timestamp
		default:
			s.mu.Unlock()
			return
		}
		took = s.readyAt.Sub(s.startedAt)
		s.mu.Unlock()
		s.logger.Info("server ready", "after", took.Truncate(time.Millisecond))
		metrics.ObserveReady(s.name(), took.Seconds())
		s.record(history.EventReady, nil)

	case logstream.KindStop:
		s.mu.Lock()
		selfStop := e.Generation == s.generation && s.state == StateRunning && !s.stopRequested
		if selfStop {
			s.setStateLocked(StateStopping)
		}
		s.mu.Unlock()
		if selfStop {
			s.logger.Info("server is shutting down on its own", "line", e.Line)
		}

	case logstream.KindCrash:
		s.mu.Lock()
		if e.Generation == s.generation {
			s.lastCrashLine = e.Line
		}
		s.mu.Unlock()
		s.logger.Warn("crash marker in console", "line", e.Line)
	}
}

func (s *Supervisor) watch(h *process.Handle) {
	<-h.Done()
	s.handleExit(h)
}

// handleExit classifies the exit of h exactly once. Exits requested through
// Stop are finalized by the stop path.
func (s *Supervisor) handleExit(h *process.Handle) {
	code, _ := h.ExitCode()

	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.lastExitCode = &code
	if s.stopRequested {
		s.mu.Unlock()
		return
	}
	prev := s.state
	crashed := prev == StateStarting || prev == StateRunning
	if crashed {
		s.setStateLocked(StateCrashed)
	} else {
		s.setStateLocked(StateStopped)
	}
	s.stoppedAt = h.ExitedAt()
	s.handle = nil
	s.abortCh = nil
	crashLine := s.lastCrashLine
	s.mu.Unlock()

	if err := h.KillGroup(); err != nil {
		s.logger.Warn("cleanup of leftover server processes failed", "pid", h.PID(), "error", err)
	}
	if crashed {
		s.logger.Error("server exited unexpectedly", "previous_state", prev, "exit_code", code, "crash_line", crashLine)
		metrics.IncCrash(s.name())
		s.record(history.EventCrash, func(e *history.Event) {
			e.PID = h.PID()
			e.ExitCode = code
			e.Message = crashLine
		})
		return
	}
	s.logger.Info("server stopped on its own", "exit_code", code)
	metrics.IncStop(s.name(), "self")
	s.record(history.EventStop, func(e *history.Event) {
		e.PID = h.PID()
		e.ExitCode = code
	})
}

// Stop asks the server to shut down and escalates to terminate and kill
// signals if it does not exit within grace. A zero grace uses the configured
// default.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) (StopResult, error) {
	s.mu.Lock()
	s.stopWaiters++
	if s.state == StateStarting && s.abortCh != nil {
		close(s.abortCh)
		s.abortCh = nil
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.stopWaiters--
	s.mu.Unlock()

	return s.stopLocked(ctx, grace)
}

func (s *Supervisor) stopLocked(ctx context.Context, grace time.Duration) (StopResult, error) {
	s.mu.Lock()
	cur := s.state
	h := s.handle
	settings := s.settings
	if !cur.hasProcess() || h == nil {
		s.mu.Unlock()
		return StopResult{}, &errdefs.Error{
			Kind:   errdefs.KindInvalidTransition,
			Op:     "stop",
			Detail: fmt.Sprintf("server '%s' is %s", settings.Spec.Name, cur),
			Err:    errdefs.ErrNotRunning,
		}
	}
	s.stopRequested = true
	s.abortCh = nil
	s.setStateLocked(StateStopping)
	s.mu.Unlock()

	if grace <= 0 {
		grace = settings.StopGrace
	}
	s.logger.Info("stopping server", "pid", h.PID(), "grace", grace, "from", cur)
	res := s.escalate(ctx, h, grace, settings)
	s.finishStop(h, res)

	if !res.Exited {
		return res, &errdefs.Error{
			Kind:   errdefs.KindTimeout,
			Op:     "stop",
			Detail: fmt.Sprintf("pid %d survived kill; state forced to stopped", h.PID()),
		}
	}
	return res, nil
}

// escalate requests a clean shutdown, then terminates, then kills. Stop
// commands and the wait for a clean exit share one grace budget. A zero
// grace skips straight to terminate.
func (s *Supervisor) escalate(ctx context.Context, h *process.Handle, grace time.Duration, settings Settings) StopResult {
	outcome := func(step string, forced bool) StopResult {
		code, _ := h.ExitCode()
		return StopResult{Step: step, Forced: forced, Exited: true, ExitCode: code}
	}

	if grace > 0 {
		deadline := time.Now().Add(grace)
		if !s.requestShutdown(ctx, h, settings, deadline) {
			if err := h.Signal(process.Interrupt); err != nil && !errors.Is(err, errdefs.ErrNotRunning) {
				s.logger.Warn("interrupt failed", "error", err)
			}
		}
		if waitExit(ctx, h, time.Until(deadline)) {
			return outcome("graceful", false)
		}
		s.logger.Warn("server did not stop in time, terminating", "grace", grace)
	}

	_ = h.Signal(process.Terminate)
	if waitExit(context.Background(), h, settings.TermWait) {
		return outcome("terminate", true)
	}

	s.logger.Warn("server ignored terminate, killing", "wait", settings.TermWait)
	_ = h.Signal(process.Kill)
	if waitExit(context.Background(), h, settings.KillWait) {
		return outcome("kill", true)
	}
	s.logger.Error("server survived kill", "pid", h.PID())
	return StopResult{Step: "kill", Forced: true}
}

// requestShutdown writes the configured stop commands before deadline. It
// reports whether at least one was delivered.
func (s *Supervisor) requestShutdown(ctx context.Context, h *process.Handle, settings Settings, deadline time.Time) bool {
	sent := false
	for i, c := range settings.StopCommands {
		if i > 0 && settings.CommandInterval > 0 {
			if waitExit(ctx, h, min(settings.CommandInterval, time.Until(deadline))) {
				return true
			}
		}
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		if err := h.WriteLine(c, left); err != nil {
			s.logger.Warn("console stop command failed", "command", c, "error", err)
			break
		}
		sent = true
	}
	return sent
}

func waitExit(ctx context.Context, h *process.Handle, d time.Duration) bool {
	if d <= 0 {
		return !h.IsAlive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.Done():
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return !h.IsAlive()
	}
}

func (s *Supervisor) finishStop(h *process.Handle, res StopResult) {
	s.mu.Lock()
	reader := s.reader
	if s.handle == h {
		s.handle = nil
		s.stopRequested = false
		s.stoppedAt = time.Now()
		if res.Exited {
			code := res.ExitCode
			s.lastExitCode = &code
		}
		s.setStateLocked(StateStopped)
	}
	s.mu.Unlock()

	if res.Exited {
		if err := h.KillGroup(); err != nil {
			s.logger.Warn("cleanup of leftover server processes failed", "pid", h.PID(), "error", err)
		}
	}
	if reader != nil && res.Exited {
		// let the final console lines reach the tail
		select {
		case <-reader.Done():
		case <-time.After(time.Second):
		}
	}
	if !res.Exited {
		s.logger.Warn("forcing state to stopped while process is still alive", "pid", h.PID())
	}

	metrics.IncStop(s.name(), res.Step)
	s.logger.Info("server stopped", "step", res.Step, "forced", res.Forced, "exit_code", res.ExitCode)
	s.record(history.EventStop, func(e *history.Event) {
		e.PID = h.PID()
		e.State = StateStopped.String()
		if res.Exited {
			e.ExitCode = res.ExitCode
		}
		e.Message = res.Step
	})
}

// Restart stops the server (if it runs) and starts it again as one command.
func (s *Supervisor) Restart(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.state == StateStarting && s.abortCh != nil {
		close(s.abortCh)
		s.abortCh = nil
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if _, err := s.stopLocked(ctx, grace); err != nil && !errors.Is(err, errdefs.ErrNotRunning) {
		return err
	}

	s.mu.RLock()
	delay := s.settings.RestartDelay
	s.mu.RUnlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return s.startLocked(ctx)
}

// SendCommand writes one line to the server console.
func (s *Supervisor) SendCommand(line string) error {
	s.mu.RLock()
	h := s.handle
	cur := s.state
	timeout := s.settings.CommandTimeout
	s.mu.RUnlock()
	if h == nil || (cur != StateRunning && cur != StateStarting) {
		return &errdefs.Error{
			Kind:   errdefs.KindInvalidTransition,
			Op:     "command",
			Detail: fmt.Sprintf("server is %s", cur),
			Err:    errdefs.ErrNotRunning,
		}
	}
	if err := h.WriteLine(line, timeout); err != nil {
		switch {
		case errors.Is(err, errdefs.ErrNotRunning):
			return errdefs.Wrap(errdefs.KindInvalidTransition, "command", err)
		case errors.Is(err, process.ErrConsoleBlocked):
			return errdefs.Wrap(errdefs.KindTimeout, "command", err)
		}
		return errdefs.Wrap(errdefs.KindIO, "command", err)
	}
	s.logger.Debug("console command sent", "command", line)
	return nil
}

// Shutdown stops a running server using the configured grace. It is a no-op
// when nothing runs.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := s.Stop(ctx, 0)
	if err != nil && errors.Is(err, errdefs.ErrNotRunning) {
		return nil
	}
	return err
}
