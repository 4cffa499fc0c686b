package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/gamekeeper/internal/detector"
	"github.com/loykin/gamekeeper/internal/errdefs"
)

// Signal is a portable termination request.
type Signal int

const (
	Interrupt Signal = iota
	Terminate
	Kill
)

func (s Signal) String() string {
	switch s {
	case Interrupt:
		return "interrupt"
	case Terminate:
		return "terminate"
	case Kill:
		return "kill"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// DefaultWriteTimeout bounds a console write when the caller gives none.
const DefaultWriteTimeout = 5 * time.Second

// ExitOutcome is the result of Wait.
type ExitOutcome struct {
	Exited   bool
	Code     int
	Err      error
	TimedOut bool
}

// Handle owns one spawned server process. Exactly one goroutine reaps it;
// everyone else observes Done.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *os.File
	done      chan struct{}

	// stdinSem serializes console writes; a slot is held by at most one line.
	stdinSem  chan struct{}
	stdin     *os.File
	stdinOnce sync.Once

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exitedAt time.Time
}

// Spawn starts the process described by spec with its own process group,
// stdin attached to a pipe and stdout and stderr merged into Output.
func Spawn(spec Spec) (*Handle, error) {
	path, err := spec.Validate()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSpawn, "spawn", err)
	}

	// #nosec G204 -- the executable comes from the operator's configuration
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSpawn, "spawn", fmt.Errorf("output pipe: %w", err))
	}
	cmd.Stdout = w
	cmd.Stderr = w
	// The write end must support deadlines, see WriteLine.
	sr, sw, err := os.Pipe()
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, errdefs.Wrap(errdefs.KindSpawn, "spawn", fmt.Errorf("stdin pipe: %w", err))
	}
	cmd.Stdin = sr

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = sr.Close()
		_ = sw.Close()
		return nil, errdefs.Wrap(errdefs.KindSpawn, "spawn", err)
	}
	// The child holds its own copies; closing ours lets the reader see EOF.
	_ = w.Close()
	_ = sr.Close()

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    r,
		stdin:     sw,
		stdinSem:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	if spec.PIDFile != "" {
		_ = detector.WritePIDFile(spec.PIDFile, h.pid, detector.Meta{Server: spec.Name})
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := exitCodeOf(h.cmd.ProcessState)

	h.mu.Lock()
	h.exitCode = code
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			h.exitErr = err
		}
	}
	h.exitedAt = time.Now()
	h.mu.Unlock()
	_ = h.CloseStdin()

	if h.spec.PIDFile != "" {
		_ = os.Remove(h.spec.PIDFile)
	}
	close(h.done)
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) Spec() Spec           { return h.spec }

// Output is the merged stdout and stderr stream. It reaches EOF once the
// process and every child holding the pipe have exited.
func (h *Handle) Output() io.ReadCloser { return h.output }

// Done is closed after the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Signal delivers sig to the process group. ErrNotRunning is returned once
// the process is gone.
func (h *Handle) Signal(sig Signal) error {
	if !h.IsAlive() {
		return errdefs.ErrNotRunning
	}
	if err := signalGroup(h.cmd.Process, sig); err != nil {
		if !h.IsAlive() {
			return errdefs.ErrNotRunning
		}
		return fmt.Errorf("send %s to pid %d: %w", sig, h.pid, err)
	}
	return nil
}

// KillGroup kills whatever is left of the process group once the leader has
// exited, such as helpers it started in the background.
func (h *Handle) KillGroup() error {
	return killGroup(h.pid)
}

// Wait blocks until the process exits or timeout elapses. A zero or negative
// timeout polls once.
func (h *Handle) Wait(timeout time.Duration) ExitOutcome {
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-h.done:
		case <-t.C:
			return ExitOutcome{TimedOut: true}
		}
	} else if h.IsAlive() {
		return ExitOutcome{TimedOut: true}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return ExitOutcome{Exited: true, Code: h.exitCode, Err: h.exitErr}
}

// ExitCode reports the exit code once the process has exited. Processes
// killed by a signal report 128+signal.
func (h *Handle) ExitCode() (int, bool) {
	if h.IsAlive() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// ErrConsoleBlocked is returned when the server does not take a console
// line within the write timeout.
var ErrConsoleBlocked = errors.New("console input blocked")

// WriteLine sends one console command to the server's stdin. A server that
// stopped reading its console fills the pipe; the write then gives up after
// timeout with ErrConsoleBlocked. A zero timeout uses DefaultWriteTimeout.
func (h *Handle) WriteLine(line string, timeout time.Duration) error {
	if !h.IsAlive() {
		return errdefs.ErrNotRunning
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	deadline := time.Now().Add(timeout)
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case h.stdinSem <- struct{}{}:
	case <-t.C:
		return fmt.Errorf("write console: %w", ErrConsoleBlocked)
	case <-h.done:
		return errdefs.ErrNotRunning
	}

	err := h.stdin.SetWriteDeadline(deadline)
	if !errors.Is(err, os.ErrNoDeadline) {
		if err == nil {
			_, err = io.WriteString(h.stdin, line+"\n")
		}
		<-h.stdinSem
		return h.writeErr(err)
	}

	// no deadline support on this pipe: bound the wait instead and let the
	// writer finish or fail when the pipe closes
	res := make(chan error, 1)
	go func() {
		_, err := io.WriteString(h.stdin, line+"\n")
		<-h.stdinSem
		res <- err
	}()
	select {
	case err := <-res:
		return h.writeErr(err)
	case <-t.C:
		return fmt.Errorf("write console: %w", ErrConsoleBlocked)
	}
}

func (h *Handle) writeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("write console: %w", ErrConsoleBlocked)
	case !h.IsAlive(), errors.Is(err, os.ErrClosed):
		return errdefs.ErrNotRunning
	default:
		return fmt.Errorf("write console: %w", err)
	}
}

// CloseStdin closes the console pipe. Pending writes fail.
func (h *Handle) CloseStdin() error {
	var err error
	h.stdinOnce.Do(func() { err = h.stdin.Close() })
	return err
}
