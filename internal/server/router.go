package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamekeeper/internal/backup"
	"github.com/loykin/gamekeeper/internal/errdefs"
	"github.com/loykin/gamekeeper/internal/history"
	mng "github.com/loykin/gamekeeper/internal/manager"
	"github.com/loykin/gamekeeper/internal/metrics"
	"github.com/loykin/gamekeeper/internal/probe"
)

// Router provides embeddable HTTP handlers for one supervised server.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop        query: grace=30s (optional)
//	POST {basePath}/restart     query: grace=30s (optional)
//	GET  {basePath}/status
//	POST {basePath}/command     body: {"command": "say hi"}
//	GET  {basePath}/logs        query: lines=100 (optional)
//	POST {basePath}/backup
//	GET  {basePath}/backups
//	POST {basePath}/restore     body: {"archive": "world_20240101_120000.tar.gz"}
//	GET  {basePath}/probe
//	GET  {basePath}/history     query: limit=50 (optional)
//	GET  /metrics               when metrics are enabled
//
// Every JSON reply carries ok, and on failure message and kind.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *mng.Supervisor
	basePath string
	backups  *backup.Service
	recorder *history.Recorder
	sampler  *metrics.Sampler
	probe    ProbeFunc
	metrics  bool
	logger   *slog.Logger
}

// ProbeFunc checks whether the game port accepts connections.
type ProbeFunc func(ctx context.Context) probe.Result

type Option func(*Router)

func WithBackups(s *backup.Service) Option    { return func(r *Router) { r.backups = s } }
func WithRecorder(h *history.Recorder) Option { return func(r *Router) { r.recorder = h } }
func WithSampler(s *metrics.Sampler) Option   { return func(r *Router) { r.sampler = s } }
func WithProbe(p ProbeFunc) Option            { return func(r *Router) { r.probe = p } }
func WithMetrics(enabled bool) Option         { return func(r *Router) { r.metrics = enabled } }
func WithLogger(l *slog.Logger) Option        { return func(r *Router) { r.logger = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(sup *mng.Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: normalizeBasePath(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.POST("/command", r.handleCommand)
	group.GET("/logs", r.handleLogs)
	group.POST("/backup", r.handleBackup)
	group.GET("/backups", r.handleBackups)
	group.POST("/restore", r.handleRestore)
	group.GET("/probe", r.handleProbe)
	group.GET("/history", r.handleHistory)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer wraps h in an http.Server listening on addr. Lifecycle requests
// may block for the whole stop grace, so there is no write timeout.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.logger.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(begin).Truncate(time.Microsecond))
	}
}

// --- Handlers ---

type response struct {
	OK      bool         `json:"ok"`
	Message string       `json:"message,omitempty"`
	Kind    errdefs.Kind `json:"kind,omitempty"`
	Reason  string       `json:"reason,omitempty"`

	Status  *mng.Status           `json:"status,omitempty"`
	Usage   *metrics.Usage        `json:"usage,omitempty"`
	Stop    *mng.StopResult       `json:"stop,omitempty"`
	Backup  *backup.Record        `json:"backup,omitempty"`
	Backups []backup.ArchiveInfo  `json:"backups,omitempty"`
	Restore *backup.RestoreResult `json:"restore,omitempty"`
	Probe   *probe.Result         `json:"probe,omitempty"`
	Events  []history.Event       `json:"events,omitempty"`
	Lines   []string              `json:"lines,omitempty"`
}

func writeError(c *gin.Context, err error) {
	kind := errdefs.KindOf(err)
	c.JSON(errdefs.HTTPStatus(kind), response{
		Message: err.Error(),
		Kind:    kind,
		Reason:  errdefs.ReasonOf(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response{Message: msg})
}

// lifecycle commands outlive a dropped client connection
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (r *Router) status() *mng.Status {
	st := r.sup.Status()
	return &st
}

func graceParam(c *gin.Context) (time.Duration, bool) {
	v := c.Query("grace")
	if v == "" {
		return 0, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		badRequest(c, "invalid grace: "+v)
		return 0, false
	}
	return d, true
}

func intParam(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(c, "invalid "+key+": "+v)
		return 0, false
	}
	return n, true
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.sup.Start(detached(c)); err != nil {
		writeError(c, err)
		return
	}
	st := r.status()
	msg := "server started"
	if st.Degraded {
		msg = "server running, ready marker not seen"
	}
	c.JSON(http.StatusOK, response{OK: true, Message: msg, Status: st})
}

func (r *Router) handleStop(c *gin.Context) {
	grace, ok := graceParam(c)
	if !ok {
		return
	}
	res, err := r.sup.Stop(detached(c), grace)
	if err != nil {
		resp := response{Message: err.Error(), Kind: errdefs.KindOf(err), Reason: errdefs.ReasonOf(err), Status: r.status()}
		if res.Step != "" {
			resp.Stop = &res
		}
		c.JSON(errdefs.HTTPStatus(resp.Kind), resp)
		return
	}
	msg := "server stopped"
	if res.Forced {
		msg = "server stopped by " + res.Step
	}
	c.JSON(http.StatusOK, response{OK: true, Message: msg, Stop: &res, Status: r.status()})
}

func (r *Router) handleRestart(c *gin.Context) {
	grace, ok := graceParam(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(detached(c), grace); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Message: "server restarted", Status: r.status()})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := response{OK: true, Status: r.status()}
	if r.sampler != nil && resp.Status.PID != 0 {
		if u, ok := r.sampler.Last(); ok && int(u.PID) == resp.Status.PID {
			resp.Usage = &u
		}
	}
	c.JSON(http.StatusOK, resp)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (r *Router) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Command == "" {
		badRequest(c, "command required")
		return
	}
	if err := r.sup.SendCommand(req.Command); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Message: "command sent"})
}

func (r *Router) handleLogs(c *gin.Context) {
	n, ok := intParam(c, "lines", 100)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Lines: r.sup.Logs(n)})
}

func (r *Router) requireBackups(c *gin.Context) bool {
	if r.backups == nil {
		c.JSON(http.StatusNotImplemented, response{Message: "backups are not configured"})
		return false
	}
	return true
}

func (r *Router) handleBackup(c *gin.Context) {
	if !r.requireBackups(c) {
		return
	}
	rec, err := r.backups.Run(c.Request.Context())
	if err != nil {
		kind := errdefs.KindOf(err)
		resp := response{Message: err.Error(), Kind: kind, Reason: errdefs.ReasonOf(err)}
		if rec.ID != "" {
			resp.Backup = &rec
		}
		c.JSON(errdefs.HTTPStatus(kind), resp)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Message: "backup created", Backup: &rec})
}

func (r *Router) handleBackups(c *gin.Context) {
	if !r.requireBackups(c) {
		return
	}
	list, err := r.backups.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Backups: list})
}

type restoreRequest struct {
	Archive string `json:"archive"`
	Target  string `json:"target,omitempty"`
}

func (r *Router) handleRestore(c *gin.Context) {
	if !r.requireBackups(c) {
		return
	}
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	// archives are addressed by name inside the backup directory
	if err := checkArchiveName(req.Archive); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := checkRestoreTarget(req.Target); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := r.backups.Restore(detached(c), req.Archive, req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Message: "backup restored", Restore: &res})
}

func (r *Router) handleProbe(c *gin.Context) {
	if r.probe == nil {
		c.JSON(http.StatusNotImplemented, response{Message: "probe is not configured"})
		return
	}
	res := r.probe(c.Request.Context())
	resp := response{OK: res.Outcome == probe.Reachable, Probe: &res}
	if !resp.OK {
		resp.Message = string(res.Outcome) + ": " + res.Detail
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, ok := intParam(c, "limit", 50)
	if !ok {
		return
	}
	events, err := r.recorder.Recent(c.Request.Context(), r.sup.Status().Name, limit)
	if errors.Is(err, history.ErrNotQueryable) {
		c.JSON(http.StatusNotImplemented, response{Message: "history store is not configured or not queryable"})
		return
	}
	if err != nil {
		writeError(c, errdefs.Wrap(errdefs.KindIO, "history", err))
		return
	}
	c.JSON(http.StatusOK, response{OK: true, Events: events})
}
