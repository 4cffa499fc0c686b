package gamekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gamekeeper/internal/backup"
	"github.com/loykin/gamekeeper/internal/config"
	"github.com/loykin/gamekeeper/internal/cron"
	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	"github.com/loykin/gamekeeper/internal/history/factory"
	"github.com/loykin/gamekeeper/internal/manager"
	"github.com/loykin/gamekeeper/internal/metrics"
	"github.com/loykin/gamekeeper/internal/probe"
	"github.com/loykin/gamekeeper/internal/server"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = manager.Status

type State = manager.State

type StopResult = manager.StopResult

type Supervisor = manager.Supervisor

type BackupService = backup.Service

type BackupRecord = backup.Record

type ProbeResult = probe.Result

const backupJob = "backup"

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon assembles the supervisor, backups, history, scheduler and HTTP
// API described by one configuration file.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	sup      *manager.Supervisor
	backups  *backup.Service
	recorder *history.Recorder
	sched    *cron.Scheduler
	sampler  *metrics.Sampler
	router   *server.Router

	closers []io.Closer

	mu   sync.Mutex
	addr net.Addr
}

// NewDaemon builds every component without starting anything.
func NewDaemon(cfg *Config) (_ *Daemon, err error) {
	log, logCloser := cfg.LoggerConfig().NewSlogger()
	d := &Daemon{cfg: cfg, logger: log, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindIO, "history", err)
		}
		sinks = append(sinks, sink)
	}
	d.recorder = history.NewRecorder(log, sinks...)
	d.closers = append(d.closers, d.recorder)

	opts := []manager.Option{manager.WithRecorder(d.recorder), manager.WithLogger(log)}
	if console := cfg.ConsoleWriter(); console != nil {
		opts = append(opts, manager.WithConsole(console))
		d.closers = append(d.closers, console)
	}
	d.sup, err = manager.New(cfg.ManagerSettings(), opts...)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	bopts := cfg.BackupOptions()
	bopts.Logger = log
	bm, err := backup.NewManager(bopts)
	if err != nil {
		return nil, err
	}
	d.backups = backup.NewService(bm, cfg.BackupServiceConfig(), d.sup, d.recorder, log)

	d.sched = cron.NewScheduler(log)
	if cfg.Backup.Schedule != "" {
		err := d.sched.Add(&cron.Job{
			Name:      backupJob,
			Schedule:  cfg.Backup.Schedule,
			Singleton: true,
			Run: func(ctx context.Context) error {
				_, err := d.backups.Run(ctx)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
	}

	d.sampler = metrics.NewSampler(cfg.Server.Name, 10*time.Second, d.sup.PID)
	d.router = server.NewRouter(d.sup, cfg.Daemon.BasePath,
		server.WithBackups(d.backups),
		server.WithRecorder(d.recorder),
		server.WithSampler(d.sampler),
		server.WithProbe(d.Probe),
		server.WithMetrics(cfg.Daemon.Metrics),
		server.WithLogger(log),
	)
	return d, nil
}

func (d *Daemon) Supervisor() *manager.Supervisor { return d.sup }

func (d *Daemon) Backups() *backup.Service { return d.backups }

func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// NextBackup reports when the scheduled backup runs next.
func (d *Daemon) NextBackup() time.Time { return d.sched.Next(backupJob) }

// Probe checks the game port. The port is resolved on every call so that a
// changed server.properties is picked up.
func (d *Daemon) Probe(ctx context.Context) probe.Result { return ProbeServer(ctx, d.cfg) }

// ProbeServer checks the configured game port and reports the addresses
// players connect to.
func ProbeServer(ctx context.Context, cfg *Config) probe.Result {
	host, port, timeout := cfg.ProbeTarget()
	res := probe.CheckReachable(ctx, host, port, timeout)
	conn := probe.Connection(ctx, port, cfg.Probe.ExternalIPURL, timeout)
	res.Connection = &conn
	return res
}

// Addr is the address the API listens on once Run has bound it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run serves the API until ctx is done, then stops the game server within
// daemon.shutdown_grace.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Daemon.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.logger.Warn("failed to register metrics", "error", err)
		}
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.Listen)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, "listen", err)
	}
	d.mu.Lock()
	d.addr = ln.Addr()
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sampler.Run(runCtx)
	}()
	if path := d.cfg.Path(); path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(runCtx, path, d.logger, d.reload); err != nil {
				d.logger.Warn("config watch disabled", "error", err)
			}
		}()
	}
	d.sched.Start()
	if next := d.NextBackup(); !next.IsZero() {
		d.logger.Info("backup scheduled", "next", next.Format(time.RFC3339))
	}

	srv := server.NewServer(d.cfg.Daemon.Listen, d.Handler())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	d.logger.Info("gamekeeper daemon listening", "addr", ln.Addr().String(), "base_path", d.cfg.Daemon.BasePath)

	if d.cfg.Lifecycle.AutoStart {
		go func() {
			if err := d.sup.Start(runCtx); err != nil {
				d.logger.Error("auto start failed", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if errors.Is(runErr, http.ErrServerClosed) {
			runErr = nil
		}
	}

	d.logger.Info("shutting down", "grace", d.cfg.Daemon.ShutdownGrace)
	d.sched.Stop()
	sctx, scancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownGrace)
	defer scancel()
	stopErr := d.sup.Shutdown(sctx)
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	cancel()
	wg.Wait()
	return errors.Join(runErr, stopErr)
}

func (d *Daemon) reload(next *Config) {
	if err := d.sup.UpdateSettings(next.ManagerSettings()); err != nil {
		d.logger.Warn("reloaded configuration rejected", "error", err)
		return
	}
	d.logger.Info("configuration reloaded; lifecycle settings apply on next start", "path", next.Path())
}

// Close releases the history sinks and log files.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}
