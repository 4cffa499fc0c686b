package backup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	"github.com/loykin/gamekeeper/internal/history/sqlite"
	"github.com/loykin/gamekeeper/internal/manager"
)

type fakeServer struct {
	mu       sync.Mutex
	status   manager.Status
	commands []string
	fail     bool
}

func (f *fakeServer) Status() manager.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeServer) SendCommand(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errdefs.New(errdefs.KindIO, "command", "console closed")
	}
	f.commands = append(f.commands, line)
	return nil
}

func (f *fakeServer) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func running() manager.Status {
	return manager.Status{Name: "mc", State: manager.StateRunning, PID: 4242}
}

func newService(t *testing.T, cfg ServiceConfig, coord Coordinator, rec *history.Recorder) *Service {
	t.Helper()
	root := t.TempDir()
	if cfg.Source == "" {
		cfg.Source = filepath.Join(root, "world")
		writeTree(t, cfg.Source, map[string]string{"a.txt": "hello", "sub/b.txt": "world"})
	}
	if cfg.Destination == "" {
		cfg.Destination = filepath.Join(root, "backups")
	}
	cfg.Server = "mc"
	return NewService(newManager(t, Options{}), cfg, coord, rec, nil)
}

func TestServiceFlushWrapsSnapshot(t *testing.T) {
	srv := &fakeServer{status: running()}
	svc := newService(t, ServiceConfig{
		Policy:       PolicyFlush,
		PreCommands:  []string{"save-off", "save-all"},
		PostCommands: []string{"save-on"},
		FlushDelay:   10 * time.Millisecond,
	}, srv, nil)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, []string{"save-off", "save-all", "save-on"}, srv.sent())
}

func TestServiceFlushSkipsStoppedServer(t *testing.T) {
	srv := &fakeServer{status: manager.Status{State: manager.StateStopped}}
	svc := newService(t, ServiceConfig{Policy: PolicyFlush, PreCommands: []string{"save-all"}, PostCommands: []string{"save-on"}}, srv, nil)

	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, srv.sent())
}

func TestServiceFlushStillSnapshotsWhenConsoleFails(t *testing.T) {
	srv := &fakeServer{status: running(), fail: true}
	svc := newService(t, ServiceConfig{Policy: PolicyFlush, PreCommands: []string{"save-all"}, PostCommands: []string{"save-on"}}, srv, nil)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.FileCount)
}

func TestServiceRequireStopped(t *testing.T) {
	srv := &fakeServer{status: running()}
	svc := newService(t, ServiceConfig{Policy: PolicyRequireStopped}, srv, nil)

	_, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))
	list, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	srv.status = manager.Status{State: manager.StateCrashed}
	_, err = svc.Run(context.Background())
	require.NoError(t, err)
}

func TestServiceRetentionAndHistory(t *testing.T) {
	sink, err := sqlite.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	recorder := history.NewRecorder(nil, sink)
	t.Cleanup(func() { _ = recorder.Close() })

	svc := newService(t, ServiceConfig{Policy: PolicyIgnore, Retention: 2}, nil, recorder)
	for i := 0; i < 3; i++ {
		_, err := svc.Run(context.Background())
		require.NoError(t, err)
	}
	list, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	events, err := recorder.Recent(context.Background(), "mc", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, history.EventBackup, e.Type)
		assert.Equal(t, StatusSuccess, e.State)
		assert.Positive(t, e.SizeBytes)
	}
}

func TestServiceRestore(t *testing.T) {
	srv := &fakeServer{status: manager.Status{State: manager.StateStopped}}
	svc := newService(t, ServiceConfig{Policy: PolicyWarn}, srv, nil)
	rec, err := svc.Run(context.Background())
	require.NoError(t, err)

	writeTree(t, svc.Config().Source, map[string]string{"a.txt": "corrupted"})

	srv.status = running()
	_, err = svc.Restore(context.Background(), filepath.Base(rec.ArchivePath), "")
	assert.Equal(t, errdefs.KindInvalidTransition, errdefs.KindOf(err))

	srv.status = manager.Status{State: manager.StateStopped}
	res, err := svc.Restore(context.Background(), filepath.Base(rec.ArchivePath), "")
	require.NoError(t, err)
	assert.Equal(t, rec.ArchivePath, res.Archive)
	assert.Equal(t, map[string]string{"a.txt": "hello", "sub/b.txt": "world"}, readTree(t, svc.Config().Source))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFlush, p)
	p, err = ParsePolicy("Require-Stopped")
	require.NoError(t, err)
	assert.Equal(t, PolicyRequireStopped, p)
	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}
