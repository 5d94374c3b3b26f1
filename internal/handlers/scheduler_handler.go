package handlers

import (
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SchedulerHandler exposes the control-loop surface: run a cadence bucket,
// run due polls, introspect scheduled runs, trigger manually, execute one
// automation now.
type SchedulerHandler struct {
	scheduler   *services.SchedulerService
	poller      *services.PollerService
	dispatcher  *services.DispatcherService
	executor    *services.Executor
	automations *services.AutomationService
	logger      *logrus.Logger
}

func NewSchedulerHandler(
	scheduler *services.SchedulerService,
	poller *services.PollerService,
	dispatcher *services.DispatcherService,
	executor *services.Executor,
	automations *services.AutomationService,
	logger *logrus.Logger,
) *SchedulerHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerHandler{
		scheduler:   scheduler,
		poller:      poller,
		dispatcher:  dispatcher,
		executor:    executor,
		automations: automations,
		logger:      logger,
	}
}

// RunBucket runs due automations for one cadence bucket.
func (h *SchedulerHandler) RunBucket(c *gin.Context) {
	var req struct {
		Interval string `json:"interval" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	summary, err := h.scheduler.RunBucket(c.Request.Context(), req.Interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Scheduler run failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunPolling runs due polls, optionally restricted to a service category or
// force-polling a single automation.
func (h *SchedulerHandler) RunPolling(c *gin.Context) {
	var req struct {
		Category     string `json:"category"`
		AutomationID string `json:"automation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	summary, err := h.poller.RunDuePolls(c.Request.Context(), req.Category, req.AutomationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Poll run failed", Message: err.Error()})
		return
	}
	// Poll-produced events dispatch on the same tick.
	if h.dispatcher != nil && summary.Events > 0 {
		if _, err := h.dispatcher.DispatchPending(c.Request.Context(), 100); err != nil {
			h.logger.Warnf("dispatch after poll failed: %v", err)
		}
	}
	c.JSON(http.StatusOK, summary)
}

// ScheduledRuns projects next-run times for UIs.
func (h *SchedulerHandler) ScheduledRuns(c *gin.Context) {
	var req struct {
		Interval string `json:"interval"`
		UserID   string `json:"user_id"`
		Limit    int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	runs, err := h.scheduler.ScheduledRuns(c.Request.Context(), req.Interval, req.UserID, req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Introspection failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// Trigger dispatches one automation manually.
func (h *SchedulerHandler) Trigger(c *gin.Context) {
	var req struct {
		AutomationID string `json:"automation_id" binding:"required"`
		UserID       string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	ownerID := req.UserID
	if ownerID == "" {
		ownerID = ownerFromRequest(c)
	}
	automation, err := h.automations.Get(c.Request.Context(), req.AutomationID, ownerID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
		return
	}
	result, err := h.executor.Execute(c.Request.Context(), automation, map[string]any{"trigger": "manual"}, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Execution failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Execute runs one automation now with caller-supplied trigger data.
// test_mode replaces tool dispatch with an echo of the resolved parameters.
func (h *SchedulerHandler) Execute(c *gin.Context) {
	var req struct {
		AutomationID string         `json:"automation_id" binding:"required"`
		TriggerData  map[string]any `json:"trigger_data"`
		TestMode     bool           `json:"test_mode"`
		UserID       string         `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	ownerID := req.UserID
	if ownerID == "" {
		ownerID = ownerFromRequest(c)
	}
	automation, err := h.automations.Get(c.Request.Context(), req.AutomationID, ownerID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
		return
	}

	var result *services.ExecutionResult
	if req.TestMode {
		result, err = h.executor.ExecuteTest(c.Request.Context(), automation, req.TriggerData, nil)
	} else {
		result, err = h.executor.Execute(c.Request.Context(), automation, req.TriggerData, nil)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Execution failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefreshTags drops the poller's memoized service-category classification
// so tool-catalog tag changes take effect without a restart.
func (h *SchedulerHandler) RefreshTags(c *gin.Context) {
	h.poller.InvalidateHealthMemo()
	c.JSON(http.StatusOK, SuccessResponse{Message: "service tags refreshed"})
}

// DispatchEvents drains the event queue once.
func (h *SchedulerHandler) DispatchEvents(c *gin.Context) {
	summary, err := h.dispatcher.DispatchPending(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Dispatch failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RegisterSchedulerRoutes mounts the control-loop endpoints.
func RegisterSchedulerRoutes(r *gin.RouterGroup, handler *SchedulerHandler) {
	sched := r.Group("/scheduler")
	{
		sched.POST("/run", handler.RunBucket)
		sched.POST("/polling", handler.RunPolling)
		sched.POST("/scheduled-runs", handler.ScheduledRuns)
		sched.POST("/trigger", handler.Trigger)
		sched.POST("/dispatch", handler.DispatchEvents)
		sched.POST("/refresh-tags", handler.RefreshTags)
	}
	r.POST("/execute", handler.Execute)
}
