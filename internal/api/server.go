// Package api exposes the engine over HTTP: JSON endpoints for targets and scans,
// Prometheus text at /metrics and a websocket stream of render operations at /ws.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/scan"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

const defaultWaitTimeout = 5 * time.Minute

// Engine is what the API drives. *monitor.Engine satisfies it.
type Engine interface {
	state.Reader
	StartScan(req scan.Request) (*scan.Handle, error)
	Jobs(id string) []scan.Job
}

// Server wires the routes.
type Server struct {
	engine  Engine
	hub     *Hub
	auth    *Auth
	limiter *RateLimiter
	metrics http.Handler
	logger  *log.Logger
	wait    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires tokens signed by auth.
func WithAuth(auth *Auth) Option {
	return func(s *Server) { s.auth = auth }
}

// WithRateLimiter throttles requests per client IP.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWaitTimeout bounds ?wait=true requests.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.wait = d
		}
	}
}

// NewServer returns a server for engine. hub may be nil to disable /ws.
func NewServer(engine Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{engine: engine, hub: hub, wait: defaultWaitTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.limiter.Middleware())

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.hub != nil {
		r.GET("/ws", s.auth.Middleware(true), s.hub.ServeWS)
	}

	targets := r.Group("/api/targets", s.auth.Middleware(false))
	{
		targets.GET("", s.listTargets)
		targets.GET("/:id", s.getTarget)
		targets.GET("/:id/scans", s.listScans)
		targets.POST("/:id/scans/devices", s.startDeviceScan)
		targets.POST("/:id/scans/ports", s.startPortScan)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      c.ClientIP(),
		})
	}
}

func (s *Server) listTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) getTarget(c *gin.Context) {
	status, ok := s.engine.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target: " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listScans(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.engine.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target: " + id})
		return
	}
	jobs := s.engine.Jobs(id)
	if jobs == nil {
		jobs = []scan.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

type portScanRequest struct {
	IP string `json:"ip" binding:"required"`
}

func (s *Server) startDeviceScan(c *gin.Context) {
	s.startScan(c, scan.Request{TargetID: c.Param("id"), Kind: scan.KindDeviceDiscovery})
}

func (s *Server) startPortScan(c *gin.Context) {
	var body portScanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	s.startScan(c, scan.Request{TargetID: c.Param("id"), Kind: scan.KindPortScan, DeviceIP: body.IP})
}

func (s *Server) startScan(c *gin.Context, req scan.Request) {
	handle, err := s.engine.StartScan(req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, handle.Job())
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.wait)
	defer cancel()
	job, err := handle.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.JSON(http.StatusAccepted, job)
		return
	}
	c.JSON(http.StatusOK, job)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scan.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrCancelled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}
}
