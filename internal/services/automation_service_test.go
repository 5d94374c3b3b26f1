package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"triggerflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAutomationService(t *testing.T) *AutomationService {
	t.Helper()
	svc := NewAutomationService(newTestDB(t), quietLogger(), nil)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func sampleRequest() *AutomationRequest {
	return &AutomationRequest{
		Name:        "slack urgent alert",
		TriggerType: models.TriggerWebhook,
		TriggerConfig: map[string]any{
			"service": "slack",
			"filter":  map[string]any{"path": "text", "op": "contains", "value": "urgent"},
		},
		Actions: json.RawMessage(`[{"id": "a1", "tool": "notify", "parameters": {"text": "{{text}}"}}]`),
	}
}

func TestAutomationService_CreateStartsPendingReview(t *testing.T) {
	svc := newTestAutomationService(t)

	automation, err := svc.Create(context.Background(), "user-1", sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusPendingReview, automation.Status)
	assert.False(t, automation.Active)
	assert.NotEmpty(t, automation.ID)
}

func TestAutomationService_CreateRejectsInvalid(t *testing.T) {
	svc := newTestAutomationService(t)

	req := sampleRequest()
	req.Actions = json.RawMessage(`[{"id": "a1", "tool": "notify", "parameters": {"text": "{{#each items}}x{{/each}}"}}]`)
	_, err := svc.Create(context.Background(), "user-1", req)
	assert.Error(t, err)
}

func TestAutomationService_ConfirmActivates(t *testing.T) {
	svc := newTestAutomationService(t)

	req := sampleRequest()
	req.TriggerType = models.TriggerPolling
	req.TriggerConfig = map[string]any{
		"service": "oura", "source_tool": "oura_get_daily_sleep",
		"polling_interval_minutes": float64(30),
	}
	automation, err := svc.Create(context.Background(), "user-1", req)
	require.NoError(t, err)
	assert.Equal(t, 30, automation.PollingIntervalMinutes)

	confirmed, err := svc.Confirm(context.Background(), automation.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, confirmed.Status)
	assert.True(t, confirmed.Active)
	// Confirmed polling automations become due immediately.
	require.NotNil(t, confirmed.NextPollAt)
}

func TestAutomationService_PauseDeactivates(t *testing.T) {
	svc := newTestAutomationService(t)

	automation, err := svc.Create(context.Background(), "user-1", sampleRequest())
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), automation.ID, "user-1")
	require.NoError(t, err)

	paused, err := svc.Pause(context.Background(), automation.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.False(t, paused.Active)
}

func TestAutomationService_OwnershipEnforced(t *testing.T) {
	svc := newTestAutomationService(t)

	automation, err := svc.Create(context.Background(), "user-1", sampleRequest())
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), automation.ID, "someone-else")
	assert.Error(t, err)

	err = svc.Delete(context.Background(), automation.ID, "someone-else")
	assert.Error(t, err)

	// Still there for the real owner.
	_, err = svc.Get(context.Background(), automation.ID, "user-1")
	assert.NoError(t, err)
}

func TestAutomationService_UpdateReturnsToPendingReview(t *testing.T) {
	svc := newTestAutomationService(t)

	automation, err := svc.Create(context.Background(), "user-1", sampleRequest())
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), automation.ID, "user-1")
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), automation.ID, "user-1", &AutomationRequest{Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, models.StatusPendingReview, updated.Status)
	assert.False(t, updated.Active)
}

func TestAutomationService_ListLogsPagination(t *testing.T) {
	svc := newTestAutomationService(t)
	db := svc.db

	automation, err := svc.Create(context.Background(), "user-1", sampleRequest())
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, db.Create(&models.ExecutionLog{
			ID:           uuidLike(i),
			AutomationID: automation.ID,
			OwnerID:      "user-1",
			TriggerType:  models.TriggerWebhook,
			Status:       StatusCompleted,
			StartedAt:    fixedNow.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	logs, total, err := svc.ListLogs(context.Background(), automation.ID, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	assert.Len(t, logs, 10)
	// Newest first.
	assert.Equal(t, uuidLike(24), logs[0].ID)

	logs, _, err = svc.ListLogs(context.Background(), automation.ID, "user-1", 3, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func uuidLike(i int) string {
	return fmt.Sprintf("log-%03d", i)
}
