package backup

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	"github.com/loykin/gamekeeper/internal/manager"
	"github.com/loykin/gamekeeper/internal/metrics"
)

// Policy decides how a backup coordinates with a running server.
type Policy string

const (
	// PolicyIgnore snapshots regardless of the server state.
	PolicyIgnore Policy = "ignore"
	// PolicyWarn snapshots a running server and logs a warning.
	PolicyWarn Policy = "warn"
	// PolicyFlush asks a running server to flush and pause saving around
	// the snapshot.
	PolicyFlush Policy = "flush"
	// PolicyRequireStopped refuses to snapshot a running server.
	PolicyRequireStopped Policy = "require-stopped"
)

func ParsePolicy(v string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PolicyFlush, nil
	case PolicyIgnore, PolicyWarn, PolicyFlush, PolicyRequireStopped:
		return p, nil
	default:
		return "", fmt.Errorf("unknown backup consistency policy %q", v)
	}
}

// Coordinator is the part of the supervisor a backup needs.
type Coordinator interface {
	Status() manager.Status
	SendCommand(line string) error
}

// ServiceConfig binds a Manager to one server's data directory.
type ServiceConfig struct {
	Server       string
	Source       string
	Destination  string
	NameHint     string
	Retention    int
	Policy       Policy
	PreCommands  []string
	PostCommands []string
	FlushDelay   time.Duration
}

// Service runs backups of one server, one at a time.
type Service struct {
	mgr      *Manager
	cfg      ServiceConfig
	coord    Coordinator
	recorder *history.Recorder
	logger   *slog.Logger

	running sync.Mutex
}

func NewService(mgr *Manager, cfg ServiceConfig, coord Coordinator, recorder *history.Recorder, logger *slog.Logger) *Service {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFlush
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		mgr:      mgr,
		cfg:      cfg,
		coord:    coord,
		recorder: recorder,
		logger:   logger.With("component", "backup", "server", cfg.Server),
	}
}

func (s *Service) Config() ServiceConfig { return s.cfg }

func (s *Service) serverActive() (manager.Status, bool) {
	if s.coord == nil {
		return manager.Status{}, false
	}
	st := s.coord.Status()
	return st, st.PID != 0
}

// Run takes one backup of the configured source, honouring the consistency
// policy, then applies retention.
func (s *Service) Run(ctx context.Context) (Record, error) {
	if !s.running.TryLock() {
		return Record{}, errdefs.New(errdefs.KindInvalidTransition, "backup", "a backup is already in progress")
	}
	defer s.running.Unlock()

	st, active := s.serverActive()
	if active {
		switch s.cfg.Policy {
		case PolicyRequireStopped:
			return Record{}, &errdefs.Error{
				Kind:   errdefs.KindInvalidTransition,
				Op:     "backup",
				Detail: fmt.Sprintf("server is %s; stop it first or change the consistency policy", st.State),
				Err:    errdefs.ErrAlreadyRunning,
			}
		case PolicyWarn:
			s.logger.Warn("backing up a running server; archive may hold partially written files", "state", st.State)
		case PolicyFlush:
			if s.flush(ctx, st) {
				defer s.resume()
			}
		}
	}

	begin := time.Now()
	rec, err := s.mgr.Create(ctx, Request{Source: s.cfg.Source, Destination: s.cfg.Destination, NameHint: s.cfg.NameHint})
	metrics.ObserveBackup(s.cfg.Server, err == nil, rec.SizeBytes, time.Since(begin).Seconds())
	s.record(rec)
	if err != nil {
		return rec, err
	}

	if s.cfg.Retention > 0 {
		if _, err := s.mgr.Prune(s.cfg.Destination, s.cfg.Retention); err != nil {
			s.logger.Warn("retention pruning failed", "error", err)
		}
	}
	return rec, nil
}

// flush sends the pre-backup commands and waits for the server to write its
// data. It reports whether the post commands must be sent afterwards.
func (s *Service) flush(ctx context.Context, st manager.Status) bool {
	if st.State != manager.StateRunning || len(s.cfg.PreCommands) == 0 {
		s.logger.Warn("server cannot flush before backup", "state", st.State)
		return false
	}
	sent := false
	for _, c := range s.cfg.PreCommands {
		if err := s.coord.SendCommand(c); err != nil {
			s.logger.Warn("pre-backup command failed", "command", c, "error", err)
			break
		}
		sent = true
	}
	if sent && s.cfg.FlushDelay > 0 {
		t := time.NewTimer(s.cfg.FlushDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return sent
}

func (s *Service) resume() {
	for _, c := range s.cfg.PostCommands {
		if err := s.coord.SendCommand(c); err != nil {
			s.logger.Warn("post-backup command failed", "command", c, "error", err)
		}
	}
}

func (s *Service) record(rec Record) {
	if s.recorder == nil {
		return
	}
	e := history.NewEvent(history.EventBackup, s.cfg.Server)
	e.State = rec.Status
	e.SizeBytes = rec.SizeBytes
	e.Message = rec.ArchivePath
	if rec.Error != "" {
		e.Message = rec.Error
	}
	s.recorder.Record(e)
}

// List returns the archives in the configured destination, newest first.
func (s *Service) List() ([]ArchiveInfo, error) { return s.mgr.List(s.cfg.Destination) }

// Resolve maps a bare archive name to the configured destination.
func (s *Service) Resolve(archive string) string {
	if filepath.IsAbs(archive) || strings.ContainsRune(archive, filepath.Separator) {
		return archive
	}
	return filepath.Join(s.cfg.Destination, archive)
}

// Restore replaces the server data with the content of archive. The server
// must not be running. An empty target restores over the backup source.
func (s *Service) Restore(ctx context.Context, archive, target string) (RestoreResult, error) {
	if !s.running.TryLock() {
		return RestoreResult{}, errdefs.New(errdefs.KindInvalidTransition, "restore", "a backup is in progress")
	}
	defer s.running.Unlock()

	if st, active := s.serverActive(); active {
		return RestoreResult{}, &errdefs.Error{
			Kind:   errdefs.KindInvalidTransition,
			Op:     "restore",
			Detail: fmt.Sprintf("server is %s; stop it before restoring", st.State),
			Err:    errdefs.ErrAlreadyRunning,
		}
	}
	if target == "" {
		target = s.cfg.Source
	}
	res, err := s.mgr.Restore(ctx, s.Resolve(archive), target, true)
	if s.recorder != nil {
		e := history.NewEvent(history.EventRestore, s.cfg.Server)
		e.Message = res.Archive
		e.State = StatusSuccess
		if err != nil {
			e.State = StatusFailed
			e.Message = err.Error()
		}
		s.recorder.Record(e)
	}
	return res, err
}
