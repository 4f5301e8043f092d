// Package http serves the job API with gin.
package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Deps are the pieces the router serves. Inbox, Health and Metrics are optional.
type Deps struct {
	Jobs    *service.JobService
	Inbox   *service.Inbox
	Health  func() error
	Metrics http.Handler
	Logger  service.Logger
}

func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if d.Health != nil {
			if err := d.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}

	jobs := &JobHandler{jobs: d.Jobs, logger: d.Logger}
	v1 := router.Group("/api/v1")
	{
		v1.POST("/jobs", jobs.Submit)
		v1.GET("/jobs", jobs.List)
		v1.GET("/jobs/:id", jobs.Get)
		v1.POST("/jobs/:id/cancel", jobs.Cancel)
		v1.GET("/jobs/:id/history", jobs.History)
		if d.Inbox != nil {
			events := &EventHandler{inbox: d.Inbox, logger: d.Logger}
			v1.POST("/events", events.Receive)
		}
	}
	return router
}

// Serve runs handler on :port until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, port string, handler http.Handler, logger service.Logger) error {
	srv := &http.Server{Addr: ":" + port, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting stageflow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("Shutting down stageflow server...")
		return srv.Shutdown(shutdownCtx)
	}
}

type JobHandler struct {
	jobs   *service.JobService
	logger service.Logger
}

func (h *JobHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WorkflowType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowType is required"})
		return
	}
	res, err := h.jobs.Submit(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// List accepts ?status=PENDING,FAILED&workflowType=...&limit=n.
func (h *JobHandler) List(c *gin.Context) {
	filter := storage.JobFilter{WorkflowType: models.WorkflowType(c.Query("workflowType"))}
	if s := c.Query("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, models.JobStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative number"})
			return
		}
		filter.Limit = n
	}
	jobs, err := h.jobs.List(filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) History(c *gin.Context) {
	logs, err := h.jobs.History(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": logs})
}

func (h *JobHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type EventHandler struct {
	inbox  *service.Inbox
	logger service.Logger
}

// Receive stores an inbound event. A redelivered message answers 200 instead of 202.
func (h *EventHandler) Receive(c *gin.Context) {
	var ev service.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inserted, err := h.inbox.Receive(ev)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Errorf("Failed to receive event %s: %v", ev.MessageID, err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if !inserted {
		c.JSON(http.StatusOK, gin.H{"messageId": ev.MessageID, "duplicate": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": ev.MessageID, "duplicate": false})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
