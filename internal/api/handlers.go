package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"taskd/internal/eventbus"
	"taskd/internal/scheduler"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type submitRequest struct {
	Name      string         `json:"name"`
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args"`
	Priority  string         `json:"priority"`
	// TimeoutSeconds nil means the scheduler default; an explicit value
	// must be positive.
	TimeoutSeconds *int `json:"timeout_seconds"`
	MaxRetries     *int `json:"max_retries"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	if s.limit != nil && !s.limit.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "submission rate limit exceeded"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var timeout time.Duration
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_seconds must be positive"})
			return
		}
		timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}

	t, err := s.sched.Submit(c.Request.Context(), scheduler.SubmitRequest{
		Name:       req.Name,
		Operation:  req.Operation,
		Args:       req.Args,
		Priority:   req.Priority,
		Timeout:    timeout,
		MaxRetries: req.MaxRetries,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, taskView(t, nil))
	case scheduler.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("submit failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, attempts, err := s.sched.Task(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, taskView(t, attempts))
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		s.log.Error("get task failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleListTasks(c *gin.Context) {
	raw := c.DefaultQuery("status", string(task.StatusPending))
	st, err := task.ParseStatus(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tasks, err := s.sched.ListTasks(c.Request.Context(), st)
	if err != nil {
		s.log.Error("list tasks failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t, nil))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out, "count": len(out)})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.sched.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": ok})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, scheduler.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("cancel failed", logx.String("task_id", id), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleStats(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_seconds must be a positive integer"})
			return
		}
		window = time.Duration(secs) * time.Second
	}
	res, err := s.sched.Stats(c.Request.Context(), window)
	if err != nil {
		s.log.Error("stats failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Snapshot())
}

func (s *Server) handleSnapshotHistory(c *gin.Context) {
	since := time.Now().Add(-time.Hour)
	if raw := c.Query("since_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since_seconds must be a positive integer"})
			return
		}
		since = time.Now().Add(-time.Duration(secs) * time.Second)
	}
	snaps, err := s.sched.SnapshotHistory(c.Request.Context(), since)
	if err != nil {
		s.log.Error("snapshot history failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": s.sched.Schedules()})
}

func (s *Server) handleOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.sched.Registry().Names()})
}

// handleEvents serves the recent lifecycle event history recorded off the
// bus, oldest first, plus running per-type totals.
func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []eventbus.Event{}, "count": 0})
		return
	}
	evs := s.events.Recent()
	c.JSON(http.StatusOK, gin.H{
		"events": evs,
		"count":  len(evs),
		"totals": s.events.Counts(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.sched.Snapshot()
	status := http.StatusOK
	state := "ok"
	if snap.StoreDown {
		status = http.StatusServiceUnavailable
		state = "store_unavailable"
	}
	c.JSON(status, gin.H{"status": state})
}

// taskView shapes a task for JSON responses; zero timestamps are omitted and
// the timeout is reported in seconds to mirror the submission field.
func taskView(t *task.Task, attempts []storage.AttemptRecord) gin.H {
	v := gin.H{
		"id":              t.ID,
		"name":            t.Name,
		"operation":       t.Operation,
		"priority":        t.Priority.String(),
		"status":          t.Status,
		"max_retries":     t.MaxRetries,
		"attempt_count":   t.AttemptCount,
		"timeout_seconds": int(t.Timeout / time.Second),
		"created_at":      t.CreatedAt,
	}
	if len(t.Args) > 0 {
		v["args"] = t.Args
	}
	if !t.StartedAt.IsZero() {
		v["started_at"] = t.StartedAt
	}
	if !t.CompletedAt.IsZero() {
		v["completed_at"] = t.CompletedAt
	}
	if t.Result != nil {
		v["result"] = t.Result
	}
	if t.Error != "" {
		v["error"] = t.Error
	}
	if attempts != nil {
		v["attempts"] = attempts
	}
	return v
}
