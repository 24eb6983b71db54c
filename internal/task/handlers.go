package task

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Handler exposes the task lifecycle over HTTP.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates the handler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes attaches the task endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/tasks", h.listTasks)
	r.POST("/tasks", h.createTask)
	r.GET("/tasks/:id", h.getTask)
	r.POST("/tasks/:id/approve", h.approveTask)
	r.POST("/tasks/:id/cancel", h.cancelTask)
	r.POST("/tasks/:id/retry", h.retryTask)
}

func (h *Handler) listTasks(c *gin.Context) {
	status := v1.TaskStatus(c.Query("status"))
	tasks := h.scheduler.List(status)
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// createTask registers the task and kicks off planning in the background.
func (h *Handler) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	t, err := h.scheduler.CreateTask(&req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	go h.scheduler.PlanTask(context.Background(), t.ID)

	c.JSON(http.StatusCreated, t)
}

func (h *Handler) getTask(c *gin.Context) {
	t, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "task_not_found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) approveTask(c *gin.Context) {
	var req v1.ApproveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.scheduler.ApproveTask(c.Param("id"), req.Approved, req.Reason); err != nil {
		h.writeTaskError(c, err)
		return
	}
	t, _ := h.scheduler.Get(c.Param("id"))
	c.JSON(http.StatusOK, t)
}

func (h *Handler) cancelTask(c *gin.Context) {
	var req v1.CancelTaskRequest
	// Body is optional for cancel.
	c.ShouldBindJSON(&req)

	if err := h.scheduler.CancelTask(c.Param("id"), req.Reason); err != nil {
		h.writeTaskError(c, err)
		return
	}
	t, _ := h.scheduler.Get(c.Param("id"))
	c.JSON(http.StatusOK, t)
}

func (h *Handler) retryTask(c *gin.Context) {
	t, err := h.scheduler.RetryTask(c.Param("id"))
	if err != nil {
		h.writeTaskError(c, err)
		return
	}

	go h.scheduler.PlanTask(context.Background(), t.ID)

	c.JSON(http.StatusCreated, t)
}

func (h *Handler) writeTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "task_not_found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_transition"})
	case errors.Is(err, ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "queue_full"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
	}
}
