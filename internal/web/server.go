// Package web serves the worker API used by the VMs, the admin API and the
// operational endpoints (/healthz, /metrics, /events).
package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qualitybots/internal/events"
	"qualitybots/internal/health"
	"qualitybots/internal/machines"
	"qualitybots/internal/models"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/reducer"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Runs interface {
	StartRun(ctx context.Context, req orchestrator.StartRunRequest) (*models.Run, error)
	ExpireRun(ctx context.Context, token string) (orchestrator.ExpireResult, error)
	Inspect(ctx context.Context, token string) (*orchestrator.RunStatus, error)
	AcceptWork(ctx context.Context, token, clientID, userAgent string) (*models.WorkItem, error)
}

type WorkItems interface {
	Finish(ctx context.Context, itemID, workerID string, result models.FinishResult) (*models.WorkItem, error)
}

type Machines interface {
	InitializationStarted(ctx context.Context, clientID string) (*models.Machine, error)
	InstallSucceeded(ctx context.Context, clientID string, log []byte) (*models.Machine, error)
	InstallFailed(ctx context.Context, clientID string, log []byte) (*models.Machine, error)
	UploadLog(ctx context.Context, clientID string, kind machines.LogKind, data []byte) (string, error)
	Get(ctx context.Context, clientID string) (*models.Machine, error)
}

type Results interface {
	CreateRender(ctx context.Context, req reducer.CreateRenderRequest) (*models.PageRender, error)
	UploadRenderChunk(ctx context.Context, renderID string, index int, payload []byte) (bool, error)
	Annotate(ctx context.Context, comparisonID string, a reducer.Annotation) (*models.Comparison, error)
	DeleteComparison(ctx context.Context, id string) error
	DeleteRender(ctx context.Context, id string) error
}

type Scores interface {
	ComputeAverageScore(ctx context.Context, token string) ([]*models.BrowserScore, error)
	ComputeMultiRunAverage(ctx context.Context, tokens []string) ([]*models.BrowserScore, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (health.Result, error)
}

// Deps are the services behind the routes. Events may be nil.
type Deps struct {
	Store    Pinger
	Runs     Runs
	Items    WorkItems
	Machines Machines
	Results  Results
	Scores   Scores
	Sweeper  Sweeper
	Events   *events.Broker
}

type Options struct {
	Addr string
	// AdminToken guards the admin and operational routes, WorkerToken the
	// worker routes. An empty token disables the check.
	AdminToken      string
	WorkerToken     string
	AuthLimit       int
	AuthWindow      time.Duration
	AuthMaxEntries  int
	Allowlist       *Allowlist
	TLS             *tls.Config
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration // drain budget for in-flight requests
}

type Server struct {
	deps    Deps
	opts    Options
	limiter *authLimiter
	logger  *slog.Logger
	engine  *gin.Engine
}

func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		limiter: newAuthLimiter(opts.AuthLimit, opts.AuthWindow, opts.AuthMaxEntries),
		logger:  logger,
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog(), s.limitBody())

	ops := engine.Group("/", s.restrict(), s.authorize(s.opts.AdminToken))
	ops.GET("/healthz", s.healthz)
	ops.HEAD("/healthz", s.healthz)
	ops.GET("/metrics", gin.WrapH(promhttp.Handler()))
	ops.GET("/events", s.handleEvents)

	worker := engine.Group("/api/v1/worker", s.authorize(s.opts.WorkerToken))
	worker.POST("/accept", s.acceptWork)
	worker.POST("/items/:id/finish", s.finishWork)
	worker.POST("/renders", s.createRender)
	worker.PUT("/renders/:id/chunks/:index", s.uploadChunk)
	worker.POST("/machines/:id/init", s.initStarted)
	worker.POST("/machines/:id/install", s.installResult)
	worker.PUT("/machines/:id/logs/:kind", s.uploadLog)

	admin := engine.Group("/api/v1/admin", s.restrict(), s.authorize(s.opts.AdminToken))
	admin.POST("/runs", s.startRun)
	admin.GET("/runs/:token", s.inspectRun)
	admin.POST("/runs/:token/expire", s.expireRun)
	admin.POST("/runs/:token/scores", s.computeScores)
	admin.GET("/scores", s.multiRunScores)
	admin.GET("/machines/:id", s.getMachine)
	admin.PATCH("/comparisons/:id", s.annotateComparison)
	admin.DELETE("/comparisons/:id", s.deleteComparison)
	admin.DELETE("/renders/:id", s.deleteRender)
	admin.POST("/sweep", s.sweep)
	return engine
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if s.opts.TLS != nil {
		server.TLSConfig = s.opts.TLS
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", s.opts.Addr, "tls", s.opts.TLS != nil)
	var err error
	if s.opts.TLS != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			c.String(http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Events == nil {
		c.String(http.StatusNotFound, "events not configured")
		return
	}
	filter := parseEventFilter(c.Request)
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, cancel, snapshot := s.deps.Events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		w.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			w.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// restrict rejects hosts outside the allowlist.
func (s *Server) restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Allowlist == nil {
			return
		}
		host := remoteHost(c.Request.RemoteAddr)
		if s.opts.Allowlist.Allows(host) {
			return
		}
		s.deny(c, host, http.StatusForbidden, "forbidden", "allowlist")
	}
}

// authorize requires "Authorization: Bearer <token>" when token is set.
func (s *Server) authorize(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			return
		}
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			presented := strings.TrimSpace(header[len("bearer "):])
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				return
			}
		}
		s.deny(c, remoteHost(c.Request.RemoteAddr), http.StatusUnauthorized, "unauthorized", "token")
	}
}

func (s *Server) deny(c *gin.Context, host string, status int, body, reason string) {
	limited := !s.limiter.allow(host, time.Now())
	s.logger.Warn(
		"Denied request",
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"remote_host", host,
		"reason", reason,
		"rate_limited", limited,
	)
	if limited {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
