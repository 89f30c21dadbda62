// Package api exposes queues and the schedule over HTTP for producers and
// operators.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"redis-qos/internal/queue"
	"redis-qos/internal/store"
)

// HeaderAPIKey carries the shared secret on every route except /healthz.
const HeaderAPIKey = "X-API-Key"

var errArgsNotArray = errors.New("args must be a JSON array")

type Server struct {
	client   redis.UniversalClient
	schedule *queue.Schedule
	apiKey   string
	logger   *slog.Logger
}

func New(client redis.UniversalClient, schedule *queue.Schedule, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		client:   client,
		schedule: schedule,
		apiKey:   apiKey,
		logger:   logger,
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)

	authed := r.Group("/", s.requireAPIKey)
	authed.GET("/queues/:key", s.inspectQueue)
	authed.POST("/queues/:key/jobs", s.enqueueJob)
	authed.DELETE("/queues/:key/jobs", s.dequeueJob)

	authed.GET("/schedules", s.listSchedule)
	authed.POST("/schedules", s.scheduleJob)
	authed.DELETE("/schedules", s.unscheduleJob)
	authed.POST("/schedules/check", s.checkScheduled)
	authed.POST("/schedules/toggle", s.toggleScheduled)

	return r
}

type jobRequest struct {
	Path string          `json:"path" binding:"required"`
	Args json.RawMessage `json:"args"`
}

type scheduleRequest struct {
	Queue    string          `json:"queue" binding:"required"`
	At       int64           `json:"at"`
	Path     string          `json:"path" binding:"required"`
	Args     json.RawMessage `json:"args"`
	Enqueued *bool           `json:"enqueued"`
}

type jobResponse struct {
	Path string          `json:"path"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if c.GetHeader(HeaderAPIKey) != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.Next()
}

func (s *Server) healthz(c *gin.Context) {
	if err := store.Healthcheck(s.client)(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) inspectQueue(c *gin.Context) {
	q, ok := s.queueFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ready, err := q.Len(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	processing, err := q.Processing(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	jobs := make([]jobResponse, 0, len(processing))
	for _, j := range processing {
		jobs = append(jobs, jobResponse{Path: j.Path, Args: j.Args})
	}
	c.JSON(http.StatusOK, gin.H{
		"key":        q.Key(),
		"ready":      ready,
		"processing": jobs,
	})
}

func (s *Server) enqueueJob(c *gin.Context) {
	q, ok := s.queueFor(c)
	if !ok {
		return
	}
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := buildJob(req.Path, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := q.Enqueue(c.Request.Context(), job); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "queue": q.Key()})
}

func (s *Server) dequeueJob(c *gin.Context) {
	q, ok := s.queueFor(c)
	if !ok {
		return
	}
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := buildJob(req.Path, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := q.Dequeue(c.Request.Context(), job)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) listSchedule(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	entries, err := s.schedule.Entries(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"queue": e.Queue,
			"at":    e.At.UnixMilli(),
			"path":  e.Job.Path,
			"args":  e.Job.Args,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) scheduleJob(c *gin.Context) {
	entry, _, ok := s.bindEntry(c)
	if !ok {
		return
	}
	if err := s.schedule.Enqueue(c.Request.Context(), entry); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) unscheduleJob(c *gin.Context) {
	entry, _, ok := s.bindEntry(c)
	if !ok {
		return
	}
	removed, err := s.schedule.Dequeue(c.Request.Context(), entry)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) checkScheduled(c *gin.Context) {
	entry, _, ok := s.bindEntry(c)
	if !ok {
		return
	}
	enqueued, err := s.schedule.IsEnqueued(c.Request.Context(), entry)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": enqueued})
}

func (s *Server) toggleScheduled(c *gin.Context) {
	entry, force, ok := s.bindEntry(c)
	if !ok {
		return
	}

	var (
		enqueued bool
		err      error
	)
	if force != nil {
		enqueued, err = s.schedule.ToggleTo(c.Request.Context(), entry, *force)
	} else {
		enqueued, err = s.schedule.Toggle(c.Request.Context(), entry)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": enqueued})
}

func (s *Server) queueFor(c *gin.Context) (*queue.Queue, bool) {
	q, err := queue.NewQueue(s.client, c.Param("key"), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return q, true
}

func (s *Server) bindEntry(c *gin.Context) (queue.Entry, *bool, bool) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return queue.Entry{}, nil, false
	}
	job, err := buildJob(req.Path, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return queue.Entry{}, nil, false
	}

	entry := queue.Entry{Queue: queue.Name(req.Queue), Job: job}
	if req.At > 0 {
		entry.At = time.UnixMilli(req.At)
	}
	return entry, req.Enqueued, true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.ErrorContext(c.Request.Context(), "request failed",
		slog.String("path", c.FullPath()),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// buildJob re-encodes request args through NewJob so equal jobs sent with
// different key order or spacing address the same stored value.
func buildJob(path string, raw json.RawMessage) (queue.Job, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return queue.NewJob(path)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return queue.Job{}, fmt.Errorf("%w: %v", errArgsNotArray, err)
	}
	return queue.NewJob(path, args...)
}

// Serve runs the handler on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
