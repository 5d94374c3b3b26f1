package handlers

import (
	"net/http"
	"strconv"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler manages automation records: minimal CRUD plus the
// pending_review → active lifecycle and execution-log introspection.
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// ownerFromRequest identifies the caller. Authentication lives in front of
// this service; the gateway injects the owner id.
func ownerFromRequest(c *gin.Context) string {
	if owner := c.GetHeader("X-User-ID"); owner != "" {
		return owner
	}
	return c.Query("user_id")
}

// List returns the caller's automations.
func (h *AutomationHandler) List(c *gin.Context) {
	automations, err := h.service.List(c.Request.Context(), ownerFromRequest(c), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// Get returns one automation.
func (h *AutomationHandler) Get(c *gin.Context) {
	automation, err := h.service.Get(c.Request.Context(), c.Param("id"), ownerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Create stores a new automation in pending_review.
func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	automation, err := h.service.Create(c.Request.Context(), ownerFromRequest(c), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// Update rewrites an automation definition.
func (h *AutomationHandler) Update(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	automation, err := h.service.Update(c.Request.Context(), c.Param("id"), ownerFromRequest(c), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Confirm activates a pending automation.
func (h *AutomationHandler) Confirm(c *gin.Context) {
	automation, err := h.service.Confirm(c.Request.Context(), c.Param("id"), ownerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to confirm automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Pause deactivates an automation.
func (h *AutomationHandler) Pause(c *gin.Context) {
	automation, err := h.service.Pause(c.Request.Context(), c.Param("id"), ownerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to pause automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// Delete removes an automation.
func (h *AutomationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), ownerFromRequest(c)); err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "automation not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// Logs returns paginated execution logs for one automation.
func (h *AutomationHandler) Logs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	logs, total, err := h.service.ListLogs(c.Request.Context(), c.Param("id"), ownerFromRequest(c), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	pages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     logs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	})
}

// RegisterAutomationRoutes mounts the automation CRUD surface.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.GET(":id", handler.Get)
		auto.PUT(":id", handler.Update)
		auto.DELETE(":id", handler.Delete)
		auto.POST(":id/confirm", handler.Confirm)
		auto.POST(":id/pause", handler.Pause)
		auto.GET(":id/logs", handler.Logs)
	}
}
