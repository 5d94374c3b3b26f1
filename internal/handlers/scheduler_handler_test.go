package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"triggerflow/internal/models"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newControlRouter(t *testing.T, db *gorm.DB, registry services.ToolRegistry) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := quietTestLogger()

	queue := services.NewEventQueueService(db, logger)
	executor := services.NewExecutor(db, logger, registry, nil, nil)
	scheduler := services.NewSchedulerService(db, logger, executor)
	poller := services.NewPollerService(db, logger, queue, registry, nil)
	dispatcher := services.NewDispatcherService(db, logger, queue, executor)
	automations := services.NewAutomationService(db, logger, registry)

	r := gin.New()
	root := r.Group("/")
	RegisterSchedulerRoutes(root, NewSchedulerHandler(scheduler, poller, dispatcher, executor, automations, logger))
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSchedulerHandler_RunBucketValidation(t *testing.T) {
	r := newControlRouter(t, newHandlerTestDB(t), services.NewStaticToolRegistry())

	w := postJSON(t, r, "/scheduler/run", map[string]any{"interval": "2min"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, r, "/scheduler/run", map[string]any{"interval": "5min"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedulerHandler_ExecuteTestMode(t *testing.T) {
	db := newHandlerTestDB(t)
	registry := services.NewStaticToolRegistry()
	r := newControlRouter(t, db, registry)

	automations := services.NewAutomationService(db, quietTestLogger(), nil)
	automation, err := automations.Create(context.Background(), "user-1", &services.AutomationRequest{
		Name:          "echo test",
		TriggerType:   models.TriggerManual,
		TriggerConfig: map[string]any{},
		Actions:       json.RawMessage(`[{"id": "a1", "tool": "whatever", "parameters": {"text": "hi {{name}}"}}]`),
	})
	require.NoError(t, err)

	w := postJSON(t, r, "/execute", map[string]any{
		"automation_id": automation.ID,
		"user_id":       "user-1",
		"trigger_data":  map[string]any{"name": "Ada"},
		"test_mode":     true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result services.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, services.StatusCompleted, result.Status)
	require.Len(t, result.ActionResults, 1)
	out := result.ActionResults[0].Output.(map[string]any)
	assert.Equal(t, "hi Ada", out["parameters"].(map[string]any)["text"])

	// Test mode writes no log rows.
	var count int64
	db.Model(&models.ExecutionLog{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestSchedulerHandler_ManualTrigger(t *testing.T) {
	db := newHandlerTestDB(t)
	registry := services.NewStaticToolRegistry()
	registry.Register(&services.Tool{
		Name: "noop",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return "ok", nil
		},
	})
	r := newControlRouter(t, db, registry)

	automations := services.NewAutomationService(db, quietTestLogger(), nil)
	automation, err := automations.Create(context.Background(), "user-1", &services.AutomationRequest{
		Name:          "manual run",
		TriggerType:   models.TriggerManual,
		TriggerConfig: map[string]any{},
		Actions:       json.RawMessage(`[{"id": "a1", "tool": "noop", "parameters": {}}]`),
	})
	require.NoError(t, err)

	w := postJSON(t, r, "/scheduler/trigger", map[string]any{
		"automation_id": automation.ID,
		"user_id":       "user-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var log models.ExecutionLog
	require.NoError(t, db.First(&log).Error)
	assert.Equal(t, automation.ID, log.AutomationID)
}

func TestSchedulerHandler_ExecuteUnknownAutomation404(t *testing.T) {
	r := newControlRouter(t, newHandlerTestDB(t), services.NewStaticToolRegistry())

	w := postJSON(t, r, "/execute", map[string]any{
		"automation_id": "ghost", "user_id": "user-1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchedulerHandler_ScheduledRunsEmpty(t *testing.T) {
	r := newControlRouter(t, newHandlerTestDB(t), services.NewStaticToolRegistry())

	w := postJSON(t, r, "/scheduler/scheduled-runs", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}
