package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"triggerflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubGmailClient struct {
	ids      []string
	latest   string
	err      error
	calls    int
	gotStart string
}

func (c *stubGmailClient) ListNewMessageIDs(ctx context.Context, ownerID, startHistoryID string) ([]string, string, error) {
	c.calls++
	c.gotStart = startHistoryID
	return c.ids, c.latest, c.err
}

func newTestIngress(t *testing.T, db *gorm.DB) (*WebhookIngressService, *CredentialStore) {
	t.Helper()
	creds := NewCredentialStore(db, quietLogger(), nil)
	ingress := NewWebhookIngressService(db, quietLogger(), NewEventQueueService(db, quietLogger()), creds)
	ingress.now = func() time.Time { return fixedNow }
	return ingress, creds
}

func seedIntegration(t *testing.T, db *gorm.DB, ownerID, service, workspaceID string, createdAt time.Time) *models.Integration {
	t.Helper()
	integration := &models.Integration{
		OwnerID:     ownerID,
		Service:     service,
		WorkspaceID: workspaceID,
		CreatedAt:   createdAt,
	}
	require.NoError(t, db.Create(integration).Error)
	return integration
}

func seedWebhookAutomation(t *testing.T, db *gorm.DB, id, ownerID string, config map[string]any) {
	t.Helper()
	require.NoError(t, db.Create(&models.Automation{
		ID:            id,
		OwnerID:       ownerID,
		Name:          id,
		Status:        models.StatusActive,
		Active:        true,
		TriggerType:   models.TriggerWebhook,
		TriggerConfig: mustJSON(t, config),
		Actions:       mustJSON(t, []map[string]any{{"id": "a1", "tool": "noop", "parameters": map[string]any{}}}),
	}).Error)
}

func TestIngress_TenantResolutionOldestWins(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)

	seedIntegration(t, db, "newer-owner", "slack", "T123", fixedNow)
	seedIntegration(t, db, "older-owner", "slack", "T123", fixedNow.Add(-24*time.Hour))

	_, err := ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T123", Data: map[string]any{"text": "hi"},
	}})
	require.NoError(t, err)

	var event models.Event
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, "older-owner", event.OwnerID)
}

func TestIngress_UnknownWorkspaceRejected(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)

	_, err := ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T999", Data: map[string]any{},
	}})
	assert.ErrorIs(t, err, ErrTenantNotResolved)

	var count int64
	db.Model(&models.Event{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestIngress_OutlookUpdatedDropped(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)

	summary, err := ingress.Process(context.Background(), "microsoft", []ParsedEvent{
		{Service: "outlook", EventType: "email_updated", EventID: "e1", OwnerID: "user-1",
			Data: map[string]any{"change_type": "updated"}},
		{Service: "outlook", EventType: "email_created", EventID: "e2", OwnerID: "user-1",
			Data: map[string]any{"change_type": "created"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)

	var event models.Event
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, "e2", event.EventID)
}

func TestIngress_GmailZeroNewMessagesAdvancesCursorOnly(t *testing.T) {
	// A Gmail push with no new inbox messages is never enqueued, but the
	// stored history cursor still advances.
	db := newTestDB(t)
	ingress, creds := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "gmail", "ada@example.com", fixedNow.Add(-time.Hour))

	gmail := &stubGmailClient{ids: nil, latest: "12400"}
	ingress.SetGmailClient(gmail)

	summary, err := ingress.Process(context.Background(), "gmail", []ParsedEvent{{
		Service: "gmail", EventType: "new_email", EventID: "gmail_history_12345",
		WorkspaceID: "ada@example.com",
		Data:        map[string]any{"email_address": "ada@example.com", "history_id": "12345"},
	}})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Enqueued)
	assert.True(t, summary.Filtered)
	assert.Equal(t, 1, gmail.calls)

	integration, err := creds.GetIntegration(context.Background(), "user-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "12400", integration.WebhookCursor)

	var count int64
	db.Model(&models.Event{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestIngress_GmailNewMessagesEnqueuePerMessage(t *testing.T) {
	db := newTestDB(t)
	ingress, creds := newTestIngress(t, db)
	integration := seedIntegration(t, db, "user-1", "gmail", "ada@example.com", fixedNow.Add(-time.Hour))
	require.NoError(t, db.Model(integration).Update("webhook_cursor", "12000").Error)

	gmail := &stubGmailClient{ids: []string{"m1", "m2"}, latest: "12500"}
	ingress.SetGmailClient(gmail)

	summary, err := ingress.Process(context.Background(), "gmail", []ParsedEvent{{
		Service: "gmail", EventType: "new_email", EventID: "gmail_history_12345",
		WorkspaceID: "ada@example.com",
		Data:        map[string]any{"email_address": "ada@example.com", "history_id": "12345"},
	}})
	require.NoError(t, err)

	// The stored cursor seeds the delta call.
	assert.Equal(t, "12000", gmail.gotStart)
	assert.Equal(t, 2, summary.Enqueued)

	var events []models.Event
	require.NoError(t, db.Order("event_id").Find(&events).Error)
	require.Len(t, events, 2)
	// The message id is the dedup key.
	assert.Equal(t, "m1", events[0].EventID)
	assert.Equal(t, "m2", events[1].EventID)

	stored, err := creds.GetIntegration(context.Background(), "user-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "12500", stored.WebhookCursor)
}

func TestIngress_GmailDeltaFailureEnqueuesThrough(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "gmail", "ada@example.com", fixedNow.Add(-time.Hour))

	ingress.SetGmailClient(&stubGmailClient{err: fmt.Errorf("gmail 500")})

	summary, err := ingress.Process(context.Background(), "gmail", []ParsedEvent{{
		Service: "gmail", EventType: "new_email", EventID: "gmail_history_12345",
		WorkspaceID: "ada@example.com",
		Data:        map[string]any{"email_address": "ada@example.com", "history_id": "12345"},
	}})
	require.NoError(t, err)
	// Loss-free beats loss-less: the notification is admitted as-is.
	assert.Equal(t, 1, summary.Enqueued)
}

func TestIngress_AutomationFilterSuppression(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "slack", "T123", fixedNow.Add(-time.Hour))

	seedWebhookAutomation(t, db, "slack-urgent", "user-1", map[string]any{
		"service":    "slack",
		"event_type": "message",
		"filters":    []any{map[string]any{"path": "text", "op": "contains", "value": "urgent"}},
	})

	// A matching automation whose filter fails suppresses the event.
	summary, err := ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T123", Data: map[string]any{"text": "all calm"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Enqueued)
	assert.True(t, summary.Filtered)

	// A passing filter admits it.
	summary, err = ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e2",
		WorkspaceID: "T123", Data: map[string]any{"text": "URGENT: ship it"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)
}

func TestIngress_SlackUrgentOrFilter(t *testing.T) {
	// Multi-clause OR filter admits "Urgent: please reply" case-insensitively.
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "slack", "T123", fixedNow.Add(-time.Hour))

	seedWebhookAutomation(t, db, "slack-or", "user-1", map[string]any{
		"service":    "slack",
		"event_type": "message",
		"filter": map[string]any{
			"operator": "OR",
			"clauses": []any{
				map[string]any{"path": "subject", "op": "contains", "value": "urgent"},
				map[string]any{"path": "subject", "op": "contains", "value": "ASAP"},
			},
		},
	})

	summary, err := ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T123", Data: map[string]any{"subject": "Urgent: please reply"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)
}

func TestIngress_NoMatchingAutomationsIsLossFree(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "slack", "T123", fixedNow.Add(-time.Hour))

	// An automation for a different service does not claim the event.
	seedWebhookAutomation(t, db, "notion-auto", "user-1", map[string]any{
		"service": "notion",
	})

	summary, err := ingress.Process(context.Background(), "slack", []ParsedEvent{{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T123", Data: map[string]any{"text": "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)
}

func TestIngress_DuplicateDeliverySquashed(t *testing.T) {
	db := newTestDB(t)
	ingress, _ := newTestIngress(t, db)
	seedIntegration(t, db, "user-1", "slack", "T123", fixedNow.Add(-time.Hour))

	event := ParsedEvent{
		Service: "slack", EventType: "message", EventID: "e1",
		WorkspaceID: "T123", Data: map[string]any{"text": "hi"},
	}
	_, err := ingress.Process(context.Background(), "slack", []ParsedEvent{event})
	require.NoError(t, err)
	summary, err := ingress.Process(context.Background(), "slack", []ParsedEvent{event})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Enqueued)
	assert.Equal(t, 1, summary.Deduplicated)

	var count int64
	db.Model(&models.Event{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
