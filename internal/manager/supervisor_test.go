package manager

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamekeeper/internal/detector"
	"github.com/loykin/gamekeeper/internal/env"
	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/logstream"
	"github.com/loykin/gamekeeper/internal/process"
)

const readyLine = `echo "[Server thread/INFO]: Done (0.42s)! For help, type \"help\""`

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func testSettings(script string) Settings {
	return Settings{
		Spec:         process.Spec{Name: "test", Executable: "/bin/sh", Args: []string{"-c", script}},
		Env:          env.New(true),
		StartupGrace: 3 * time.Second,
		StopGrace:    2 * time.Second,
		TermWait:     500 * time.Millisecond,
		KillWait:     2 * time.Second,
		Patterns: logstream.Patterns{
			Ready: []string{`Done \(.*\)! For help, type`},
			Stop:  []string{`Stopping (the )?server`},
			Crash: []string{`Exception in server tick loop`},
		},
		TailLines: 100,
	}
}

func newSupervisor(t *testing.T, s Settings, opts ...Option) *Supervisor {
	t.Helper()
	sup, err := New(s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func checkPIDInvariant(t *testing.T, st Status) {
	t.Helper()
	switch st.State {
	case StateStarting, StateRunning, StateStopping:
		assert.NotZero(t, st.PID, "state %s must carry a pid", st.State)
	default:
		assert.Zero(t, st.PID, "state %s must not carry a pid", st.State)
	}
}

func TestStartWaitsForReadyMarker(t *testing.T) {
	requireUnix(t)
	var console bytes.Buffer
	var mu sync.Mutex
	sup := newSupervisor(t, testSettings("echo booting; "+readyLine+"; exec sleep 30"), WithConsole(lockedWriter{&mu, &console}))

	require.NoError(t, sup.Start(context.Background()))
	st := sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.Degraded)
	assert.NotZero(t, st.PID)
	assert.Equal(t, uint64(1), st.Generation)
	assert.False(t, st.ReadyAt.IsZero())

	res, err := sup.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "graceful", res.Step)
	assert.False(t, res.Forced)

	st = sup.Status()
	assert.Equal(t, StateStopped, st.State)
	checkPIDInvariant(t, st)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 128+int(syscall.SIGINT), *st.LastExitCode)
	assert.Contains(t, sup.Logs(0), "booting")

	mu.Lock()
	assert.Contains(t, console.String(), "booting\n")
	mu.Unlock()
}

type lockedWriter struct {
	mu *sync.Mutex
	b  *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func TestStartWithoutMarkerIsDegraded(t *testing.T) {
	requireUnix(t)
	s := testSettings("exec sleep 30")
	s.StartupGrace = 200 * time.Millisecond
	sup := newSupervisor(t, s)

	require.NoError(t, sup.Start(context.Background()))
	st := sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Degraded)
}

func TestLateReadyMarkerClearsDegraded(t *testing.T) {
	requireUnix(t)
	s := testSettings("sleep 0.5; " + readyLine + "; exec sleep 30")
	s.StartupGrace = 100 * time.Millisecond
	sup := newSupervisor(t, s)

	require.NoError(t, sup.Start(context.Background()))
	assert.True(t, sup.Status().Degraded)
	require.Eventually(t, func() bool { return !sup.Status().Degraded }, 3*time.Second, 20*time.Millisecond)
}

func TestRequireReadyTimesOut(t *testing.T) {
	requireUnix(t)
	s := testSettings("exec sleep 30")
	s.StartupGrace = 200 * time.Millisecond
	s.RequireReady = true
	sup := newSupervisor(t, s)

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))
	assert.Equal(t, errdefs.ExitTimeout, errdefs.ExitCode(err))
	st := sup.Status()
	assert.Equal(t, StateStopped, st.State)
	checkPIDInvariant(t, st)
}

func TestStopFromStoppedIsInvalid(t *testing.T) {
	sup := newSupervisor(t, testSettings("exit 0"))

	_, err := sup.Stop(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
	assert.ErrorIs(t, err, errdefs.ErrNotRunning)
	assert.Equal(t, errdefs.ExitInvalidTransition, errdefs.ExitCode(err))

	st := sup.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.Generation, "no process may be spawned")
	assert.Nil(t, st.LastExitCode)
}

func TestStartTwiceIsInvalid(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(readyLine+"; exec sleep 30"))
	require.NoError(t, sup.Start(context.Background()))

	err := sup.Start(context.Background())
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
	assert.ErrorIs(t, err, errdefs.ErrAlreadyRunning)
	assert.Equal(t, uint64(1), sup.Status().Generation)
}

func TestForcedStopOfSignalIgnoringChild(t *testing.T) {
	requireUnix(t)
	s := testSettings(`trap '' INT TERM; ` + readyLine + `; while true; do sleep 0.1; done`)
	s.TermWait = 200 * time.Millisecond
	sup := newSupervisor(t, s)
	require.NoError(t, sup.Start(context.Background()))

	begin := time.Now()
	res, err := sup.Stop(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Equal(t, "kill", res.Step)
	assert.True(t, res.Forced)
	assert.True(t, res.Exited)
	assert.Equal(t, 128+int(syscall.SIGKILL), res.ExitCode)

	st := sup.Status()
	assert.Equal(t, StateStopped, st.State)
	checkPIDInvariant(t, st)
}

func TestStopEscalatesWhenConsoleIsBlocked(t *testing.T) {
	requireUnix(t)
	s := testSettings(`trap '' INT TERM; ` + readyLine + `; exec sleep 20`)
	s.StopCommands = []string{"save-all", "stop"}
	s.CommandTimeout = 100 * time.Millisecond
	s.TermWait = 200 * time.Millisecond
	sup := newSupervisor(t, s)
	require.NoError(t, sup.Start(context.Background()))

	// the server never reads its console; fill the pipe
	line := string(bytes.Repeat([]byte("x"), 16<<10))
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		err = sup.SendCommand(line)
	}
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))

	begin := time.Now()
	res, err := sup.Stop(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 3*time.Second)
	assert.Equal(t, "kill", res.Step)
	assert.True(t, res.Forced)
	assert.Equal(t, StateStopped, sup.Status().State)
}

func TestStopCommandsShutDownCleanly(t *testing.T) {
	requireUnix(t)
	s := testSettings(readyLine + `; while read l; do echo "got $l"; [ "$l" = stop ] && exit 0; done`)
	s.StopCommands = []string{"save-all", "stop"}
	s.CommandInterval = 50 * time.Millisecond
	sup := newSupervisor(t, s)
	require.NoError(t, sup.Start(context.Background()))

	res, err := sup.Stop(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "graceful", res.Step)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, sup.Logs(0), "got save-all")
	assert.Contains(t, sup.Logs(0), "got stop")
}

func TestCrashDetection(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(readyLine+"; exec sleep 30"))
	require.NoError(t, sup.Start(context.Background()))
	pid := sup.Status().PID
	require.NotZero(t, pid)

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	require.Eventually(t, func() bool { return sup.Status().State == StateCrashed }, 5*time.Second, 10*time.Millisecond)
	st := sup.Status()
	checkPIDInvariant(t, st)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 128+int(syscall.SIGKILL), *st.LastExitCode)

	_, err := sup.Stop(context.Background(), time.Second)
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))

	// crashed servers can be started again
	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, uint64(2), sup.Status().Generation)
}

func TestNewGenerationStartsWithCleanConsole(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(readyLine+`; (while :; do echo OLDGEN; sleep 0.02; done) & sleep 0.3; exit 3`))
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.Status().State == StateCrashed }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.UpdateSettings(testSettings(readyLine+"; exec sleep 30")))
	require.NoError(t, sup.Start(context.Background()))
	time.Sleep(300 * time.Millisecond)

	logs := sup.Logs(0)
	assert.NotContains(t, logs, "OLDGEN")
	assert.Len(t, logs, 1, "only the ready line of generation 2: %v", logs)
}

func TestCrashDuringStartup(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(`echo "Exception in server tick loop"; exit 3`))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindCrash, errdefs.KindOf(err))
	st := sup.Status()
	assert.Equal(t, StateCrashed, st.State)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 3, *st.LastExitCode)
	checkPIDInvariant(t, st)
}

func TestSelfInitiatedStopIsNotACrash(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(readyLine+`; read l; echo "[Server thread/INFO]: Stopping the server"; sleep 0.2; exit 0`))
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.SendCommand("stop"))
	require.Eventually(t, func() bool { return sup.Status().State == StateStopped }, 5*time.Second, 10*time.Millisecond)
	st := sup.Status()
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)

	err := sup.SendCommand("list")
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
}

func TestSpawnFailureLeavesStateUnchanged(t *testing.T) {
	s := testSettings("")
	s.Spec.Executable = filepath.Join(t.TempDir(), "missing-server")
	sup := newSupervisor(t, s)

	err := sup.Start(context.Background())
	assert.Equal(t, errdefs.KindSpawn, errdefs.KindOf(err))
	assert.Equal(t, errdefs.ExitIO, errdefs.ExitCode(err))
	st := sup.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.Generation)
}

func TestStatusDuringStartIsConsistent(t *testing.T) {
	requireUnix(t)
	s := testSettings("sleep 0.3; " + readyLine + "; exec sleep 30")
	sup := newSupervisor(t, s)

	done := make(chan error, 1)
	go func() { done <- sup.Start(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		begin := time.Now()
		st := sup.Status()
		assert.Less(t, time.Since(begin), 100*time.Millisecond, "status must not wait for start")
		checkPIDInvariant(t, st)
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, StateRunning, sup.Status().State)
			return
		case <-deadline:
			t.Fatal("start did not finish")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStopDuringStartupAbortsWait(t *testing.T) {
	requireUnix(t)
	s := testSettings("exec sleep 30")
	s.StartupGrace = 20 * time.Second
	sup := newSupervisor(t, s)

	started := make(chan error, 1)
	go func() { started <- sup.Start(context.Background()) }()
	require.Eventually(t, func() bool { return sup.Status().State == StateStarting }, 3*time.Second, 5*time.Millisecond)

	begin := time.Now()
	_, err := sup.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 5*time.Second)
	require.NoError(t, <-started)
	assert.Equal(t, StateStopped, sup.Status().State)
}

func TestRestart(t *testing.T) {
	requireUnix(t)
	s := testSettings(readyLine + "; exec sleep 30")
	s.RestartDelay = 50 * time.Millisecond
	sup := newSupervisor(t, s)

	// restart from stopped just starts
	require.NoError(t, sup.Restart(context.Background(), time.Second))
	first := sup.Status()
	assert.Equal(t, StateRunning, first.State)

	require.NoError(t, sup.Restart(context.Background(), time.Second))
	second := sup.Status()
	assert.Equal(t, StateRunning, second.State)
	assert.Equal(t, first.Generation+1, second.Generation)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestRandomCommandSequenceKeepsInvariant(t *testing.T) {
	requireUnix(t)
	s := testSettings(readyLine + "; exec sleep 30")
	s.StopGrace = 500 * time.Millisecond
	sup := newSupervisor(t, s)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		switch rng.Intn(4) {
		case 0:
			err := sup.Start(context.Background())
			if err != nil {
				assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
			}
		case 1:
			_, err := sup.Stop(context.Background(), 500*time.Millisecond)
			if err != nil {
				assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
			}
		case 2:
			require.NoError(t, sup.Restart(context.Background(), 500*time.Millisecond))
		case 3:
			if pid := sup.Status().PID; pid != 0 && rng.Intn(2) == 0 {
				_ = syscall.Kill(pid, syscall.SIGKILL)
				require.Eventually(t, func() bool { return sup.Status().State == StateCrashed }, 5*time.Second, 5*time.Millisecond)
			}
		}
		checkPIDInvariant(t, sup.Status())
	}
}

func TestOrphanFromPIDFileBlocksStart(t *testing.T) {
	requireUnix(t)
	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, orphan.Start())
	t.Cleanup(func() {
		_ = orphan.Process.Kill()
		_ = orphan.Wait()
	})
	time.Sleep(20 * time.Millisecond)

	pidFile := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, detector.WritePIDFile(pidFile, orphan.Process.Pid, detector.Meta{Server: "test"}))

	s := testSettings(readyLine + "; exec sleep 30")
	s.Spec.PIDFile = pidFile
	sup := newSupervisor(t, s)

	err := sup.Start(context.Background())
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
	assert.True(t, errors.Is(err, errdefs.ErrAlreadyRunning))
	assert.Zero(t, sup.Status().Generation)
}

func TestUpdateSettingsAppliesOnNextStart(t *testing.T) {
	requireUnix(t)
	sup := newSupervisor(t, testSettings(readyLine+"; exec sleep 30"))
	require.NoError(t, sup.Start(context.Background()))

	next := testSettings("echo second-generation; " + readyLine + "; exec sleep 30")
	require.NoError(t, sup.UpdateSettings(next))
	assert.NotContains(t, sup.Logs(0), "second-generation")

	require.NoError(t, sup.Restart(context.Background(), time.Second))
	assert.Contains(t, sup.Logs(0), "second-generation")

	bad := next
	bad.Patterns.Ready = []string{"("}
	assert.Error(t, sup.UpdateSettings(bad))
}
