package handlers

import (
	"bytes"
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

func newAutomationRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := services.NewAutomationService(db, quietTestLogger(), nil)
	r := gin.New()
	api := r.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(svc))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, owner string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", owner)
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_LifecycleRoundtrip(t *testing.T) {
	db := newHandlerTestDB(t)
	r := newAutomationRouter(t, db)

	// Create.
	w := doJSON(t, r, http.MethodPost, "/api/automations", "user-1", map[string]any{
		"name":         "urgent alert",
		"trigger_type": "webhook",
		"trigger_config": map[string]any{
			"service": "slack",
		},
		"actions": []map[string]any{
			{"id": "a1", "tool": "notify", "parameters": map[string]any{"text": "{{text}}"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.StatusPendingReview, created.Status)

	// List for the owner.
	w = doJSON(t, r, http.MethodGet, "/api/automations", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Another owner sees nothing.
	w = doJSON(t, r, http.MethodGet, "/api/automations", "user-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list)

	// Confirm.
	w = doJSON(t, r, http.MethodPost, "/api/automations/"+created.ID+"/confirm", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var confirmed models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &confirmed))
	assert.True(t, confirmed.Active)

	// Pause.
	w = doJSON(t, r, http.MethodPost, "/api/automations/"+created.ID+"/pause", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Delete.
	w = doJSON(t, r, http.MethodDelete, "/api/automations/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/automations/"+created.ID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_CreateInvalid400(t *testing.T) {
	r := newAutomationRouter(t, newHandlerTestDB(t))

	// Handlebars blocks are rejected with a clear message.
	w := doJSON(t, r, http.MethodPost, "/api/automations", "user-1", map[string]any{
		"name":           "bad",
		"trigger_type":   "webhook",
		"trigger_config": map[string]any{"service": "slack"},
		"actions": []map[string]any{
			{"id": "a1", "tool": "notify", "parameters": map[string]any{"text": "{{#if x}}y{{/if}}"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "handlebars")
}

func TestAutomationHandler_LogsPaginated(t *testing.T) {
	db := newHandlerTestDB(t)
	r := newAutomationRouter(t, db)

	w := doJSON(t, r, http.MethodPost, "/api/automations", "user-1", map[string]any{
		"name":           "logged",
		"trigger_type":   "manual",
		"trigger_config": map[string]any{},
		"actions": []map[string]any{
			{"id": "a1", "tool": "notify", "parameters": map[string]any{}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.ExecutionLog{
			ID: created.ID + "-log-" + string(rune('a'+i)), AutomationID: created.ID,
			OwnerID: "user-1", TriggerType: "manual", Status: services.StatusCompleted,
		}).Error)
	}

	w = doJSON(t, r, http.MethodGet, "/api/automations/"+created.ID+"/logs?page=1&page_size=2", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.Pages)
}
