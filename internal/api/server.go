package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/scheduler"
	logx "taskd/pkg/logx"
)

// Config controls the HTTP server. Addr defaults to loopback; set Token when
// binding anywhere else.
type Config struct {
	Addr  string
	Token string

	SubmitRatePerSec int
	SubmitBurst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = c.SubmitRatePerSec
	}
	return c
}

var ginMode sync.Once

// Server exposes the submission, task, and metrics endpoints.
type Server struct {
	cfg    Config
	log    logx.Logger
	sched  *scheduler.Scheduler
	events *eventbus.Recorder
	srv    *http.Server
	limit  *rate.Limiter
}

func NewServer(cfg Config, sched *scheduler.Scheduler, events *eventbus.Recorder, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg,
		log:    log.With(logx.String("component", "api")),
		sched:  sched,
		events: events,
	}
	if cfg.SubmitRatePerSec > 0 {
		s.limit = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)
	}

	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	r := gin.New()
	r.Use(s.accessLog(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	if cfg.Token != "" {
		v1.Use(s.requireToken())
	}
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleCancelTask)
	v1.GET("/stats", s.handleStats)
	v1.GET("/snapshot", s.handleSnapshot)
	v1.GET("/snapshots", s.handleSnapshotHistory)
	v1.GET("/schedules", s.handleSchedules)
	v1.GET("/operations", s.handleOperations)
	v1.GET("/events", s.handleEvents)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Run serves until ctx cancels, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shctx); err != nil {
			return err
		}
		return nil
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !s.log.Enabled(logx.LevelDebug) {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	want := "Bearer " + s.cfg.Token
	return func(c *gin.Context) {
		got := c.GetHeader("Authorization")
		if strings.TrimSpace(got) != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
