// Package diag serves the application's diagnostics over HTTP: liveness, the
// idle state, proxy table statistics, registered classes, recent invocation
// activity and prometheus metrics.
package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"greybridge/dispatcher"
	"greybridge/handles"
	"greybridge/idle"
	"greybridge/metrics"
)

// Peer reports whether a test process is attached.
type Peer interface {
	Connected() bool
}

// Service is the diagnostics endpoint. Every source is optional; routes for a
// missing source answer 404.
type Service struct {
	App      string
	Gate     *idle.Gate
	Objects  *handles.Table
	Classes  *dispatcher.Table
	Peer     Peer
	Activity *Activity

	started time.Time
	router  *gin.Engine
	srv     *http.Server
}

func New(app string, logger zerolog.Logger) *Service {
	metrics.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetrics())
	return &Service{
		App:     app,
		started: time.Now(),
		router:  r,
		srv:     &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
	}
}

func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) RegisterRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/idle", s.idle)
	s.router.GET("/handles", s.handles)
	s.router.GET("/classes", s.classes)
	s.router.GET("/invocations", s.invocations)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Service) health(c *gin.Context) {
	connected := false
	if s.Peer != nil {
		connected = s.Peer.Connected()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"app":       s.App,
		"uptime":    time.Since(s.started).String(),
		"connected": connected,
	})
}

func (s *Service) idle(c *gin.Context) {
	if s.Gate == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no idle gate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trackers": s.Gate.Trackers(),
		"snapshot": s.Gate.Snapshot(),
	})
}

func (s *Service) handles(c *gin.Context) {
	if s.Objects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proxy table"})
		return
	}
	c.JSON(http.StatusOK, s.Objects.Stats())
}

func (s *Service) classes(c *gin.Context) {
	if s.Classes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no classes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": s.Classes.Classes()})
}

func (s *Service) invocations(c *gin.Context) {
	if s.Activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no activity"})
		return
	}
	c.JSON(http.StatusOK, s.Activity.Snapshot())
}

// ListenAndServe serves on addr until Shutdown.
func (s *Service) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Service) Serve(l net.Listener) error {
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
