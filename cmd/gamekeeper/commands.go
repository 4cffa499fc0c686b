package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/loykin/gamekeeper"
	"github.com/loykin/gamekeeper/internal/backup"
	"github.com/loykin/gamekeeper/internal/config"
	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	"github.com/loykin/gamekeeper/internal/history/factory"
	"github.com/loykin/gamekeeper/internal/probe"
	"github.com/loykin/gamekeeper/pkg/client"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// baseURL picks --api-url, then the daemon section of the config file.
func (c command) baseURL() string {
	if c.flags.APIUrl != "" {
		return strings.TrimRight(c.flags.APIUrl, "/")
	}
	if cfg, err := config.Load(c.flags.ConfigPath); err == nil {
		return "http://" + dialAddr(cfg.Daemon.Listen) + cfg.Daemon.BasePath
	}
	return client.DefaultConfig().BaseURL
}

// dialAddr turns a listen address into one a client can connect to.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c command) client() (*client.Client, string) {
	url := c.baseURL()
	return client.New(client.Config{BaseURL: url, Timeout: c.flags.APITimeout}), url
}

// daemonErr marks transport failures as I/O errors so they map to exit code 4.
func daemonErr(url string, err error) error {
	if err == nil || !client.IsUnreachable(err) {
		return err
	}
	return &errdefs.Error{
		Kind:   errdefs.KindIO,
		Op:     "daemon",
		Detail: fmt.Sprintf("not reachable at %s (start it with 'gamekeeper serve')", url),
		Err:    err,
	}
}

func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "config", err)
	}
	return cfg, nil
}

func (c command) Start(ctx context.Context) error {
	cl, url := c.client()
	st, err := cl.Start(ctx)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, st)
	}
	if st.Degraded {
		_, _ = fmt.Fprintf(c.out, "%s is running (pid %d) but has not reported ready yet\n", st.Name, st.PID)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "%s is ready (pid %d)\n", st.Name, st.PID)
	return nil
}

func (c command) Stop(ctx context.Context, f StopFlags) error {
	cl, url := c.client()
	res, err := cl.Stop(ctx, f.Grace)
	if res != nil {
		if c.flags.JSON {
			_ = printJSON(c.out, res)
		} else {
			printStop(c.out, res)
		}
	}
	return daemonErr(url, err)
}

func (c command) Restart(ctx context.Context, f StopFlags) error {
	cl, url := c.client()
	st, err := cl.Restart(ctx, f.Grace)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, st)
	}
	_, _ = fmt.Fprintf(c.out, "%s restarted (pid %d, generation %d)\n", st.Name, st.PID, st.Generation)
	return nil
}

func (c command) Status(ctx context.Context) error {
	cl, url := c.client()
	st, usage, err := cl.Status(ctx)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, map[string]any{"status": st, "usage": usage})
	}
	printStatus(c.out, st, usage)
	return nil
}

func (c command) Send(ctx context.Context, words []string) error {
	cl, url := c.client()
	line := strings.Join(words, " ")
	if err := cl.SendCommand(ctx, line); err != nil {
		return daemonErr(url, err)
	}
	if !c.flags.JSON {
		_, _ = fmt.Fprintf(c.out, "sent: %s\n", line)
	}
	return nil
}

func (c command) Logs(ctx context.Context, f LogsFlags) error {
	cl, url := c.client()
	lines, err := cl.Logs(ctx, f.Lines)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, lines)
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	return nil
}

func (c command) Backup(ctx context.Context, f LocalFlags) error {
	if f.Local {
		return c.localBackup(ctx)
	}
	cl, url := c.client()
	rec, err := cl.Backup(ctx)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, rec)
	}
	_, _ = fmt.Fprintf(c.out, "backup written: %s (%d files, %s)\n", rec.ArchivePath, rec.FileCount, humanBytes(rec.SizeBytes))
	return nil
}

func (c command) Backups(ctx context.Context, f LocalFlags) error {
	var list []client.ArchiveInfo
	if f.Local {
		svc, closeFn, err := c.localBackupService()
		if err != nil {
			return err
		}
		defer closeFn()
		infos, err := svc.List()
		if err != nil {
			return err
		}
		for _, a := range infos {
			list = append(list, client.ArchiveInfo{Name: a.Name, Path: a.Path, SizeBytes: a.SizeBytes, CreatedAt: a.CreatedAt, Format: string(a.Format)})
		}
	} else {
		cl, url := c.client()
		var err error
		if list, err = cl.Backups(ctx); err != nil {
			return daemonErr(url, err)
		}
	}
	if c.flags.JSON {
		return printJSON(c.out, list)
	}
	printArchives(c.out, list)
	return nil
}

func (c command) Restore(ctx context.Context, archive string, f RestoreFlags) error {
	var res *client.RestoreResult
	if f.Local {
		svc, closeFn, err := c.localBackupService()
		if err != nil {
			return err
		}
		defer closeFn()
		r, err := svc.Restore(ctx, archive, f.Target)
		if err != nil {
			return err
		}
		res = &client.RestoreResult{Archive: r.Archive, Target: r.Target, FileCount: r.FileCount, PreviousPath: r.PreviousPath}
	} else {
		cl, url := c.client()
		var err error
		if res, err = cl.Restore(ctx, archive, f.Target); err != nil {
			return daemonErr(url, err)
		}
	}
	if c.flags.JSON {
		return printJSON(c.out, res)
	}
	_, _ = fmt.Fprintf(c.out, "restored %d files from %s into %s\n", res.FileCount, res.Archive, res.Target)
	if res.PreviousPath != "" {
		_, _ = fmt.Fprintf(c.out, "previous data kept at %s\n", res.PreviousPath)
	}
	return nil
}

func (c command) Probe(ctx context.Context, f LocalFlags) error {
	var res *client.ProbeResult
	if f.Local {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		r := gamekeeper.ProbeServer(ctx, cfg)
		res = &client.ProbeResult{Host: r.Host, Port: r.Port, Outcome: string(r.Outcome), Detail: r.Detail, Latency: r.Latency}
		if ci := r.Connection; ci != nil {
			res.Connection = &client.ConnectionInfo{
				LocalIP: ci.LocalIP, LocalAddress: ci.LocalAddress,
				ExternalIP: ci.ExternalIP, ExternalAddress: ci.ExternalAddress, ExternalError: ci.ExternalError,
			}
		}
	} else {
		cl, url := c.client()
		var err error
		if res, err = cl.Probe(ctx); err != nil {
			return daemonErr(url, err)
		}
	}
	if c.flags.JSON {
		if err := printJSON(c.out, res); err != nil {
			return err
		}
	} else {
		printProbe(c.out, res)
	}
	if res.Outcome != string(probe.Reachable) {
		return errdefs.New(errdefs.KindIO, "probe", "%s:%d is %s", res.Host, res.Port, res.Outcome)
	}
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	cl, url := c.client()
	events, err := cl.History(ctx, f.Limit)
	if err != nil {
		return daemonErr(url, err)
	}
	if c.flags.JSON {
		return printJSON(c.out, events)
	}
	printEvents(c.out, events)
	return nil
}

func (c command) Init(f InitFlags) error {
	if f.Print {
		return config.Example(c.out)
	}
	path := f.Path
	if path == "" {
		path = c.flags.ConfigPath
	}
	if err := config.WriteExample(path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists", path)
		}
		return errdefs.Wrap(errdefs.KindIO, "init", err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", path)
	return nil
}

// localBackupService builds the backup service from the config file without
// a supervisor. Events still reach the configured history store.
func (c command) localBackupService() (*backup.Service, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, logCloser := cfg.LoggerConfig().NewSlogger()
	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	recorder := history.NewRecorder(log, sinks...)
	closeFn := func() {
		_ = recorder.Close()
		_ = logCloser.Close()
	}

	opts := cfg.BackupOptions()
	opts.Logger = log
	mgr, err := backup.NewManager(opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return backup.NewService(mgr, cfg.BackupServiceConfig(), nil, recorder, log), closeFn, nil
}

func (c command) localBackup(ctx context.Context) error {
	svc, closeFn, err := c.localBackupService()
	if err != nil {
		return err
	}
	defer closeFn()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	cl, _ := c.client()
	if cl.IsReachable(probeCtx) {
		_, _ = fmt.Fprintln(c.out, "warning: the daemon is running; a local backup does not ask the server to flush")
	}
	cancel()

	rec, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, rec)
	}
	_, _ = fmt.Fprintf(c.out, "backup written: %s (%d files, %s)\n", rec.ArchivePath, rec.FileCount, humanBytes(rec.SizeBytes))
	return nil
}
