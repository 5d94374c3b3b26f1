package services

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlackEvent(t *testing.T) {
	body := []byte(`{
		"team_id": "T123",
		"event_id": "Ev456",
		"event": {"type": "message", "text": "hi", "user": "U1", "event_ts": "1700000100.000100"}
	}`)
	events, err := ParseWebhookPayload("slack", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "slack", events[0].Service)
	assert.Equal(t, "message", events[0].EventType)
	assert.Equal(t, "Ev456", events[0].EventID)
	assert.Equal(t, "T123", events[0].WorkspaceID)
	assert.Equal(t, "hi", events[0].Data["text"])
}

func TestParseGmailPubSubEnvelope(t *testing.T) {
	inner := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"ada@example.com","historyId":12345}`))
	body := []byte(`{"message": {"data": "` + inner + `", "messageId": "m1"}, "subscription": "sub"}`)

	events, err := ParseWebhookPayload("gmail", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "gmail", events[0].Service)
	assert.Equal(t, "new_email", events[0].EventType)
	assert.Equal(t, "ada@example.com", events[0].WorkspaceID)
	assert.Equal(t, "12345", events[0].Data["history_id"])
}

func TestParseMicrosoftNotifications(t *testing.T) {
	body := []byte(`{"value": [
		{"changeType": "created", "clientState": "user-9", "resource": "me/messages/1",
		 "resourceData": {"id": "AAMk1"}},
		{"changeType": "updated", "clientState": "user-9", "resource": "me/messages/2",
		 "resourceData": {"id": "AAMk2"}}
	]}`)
	events, err := ParseWebhookPayload("microsoft", body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "outlook", events[0].Service)
	assert.Equal(t, "user-9", events[0].OwnerID)
	assert.Equal(t, "AAMk1", events[0].EventID)
	assert.Equal(t, "created", events[0].Data["change_type"])
	assert.Equal(t, "updated", events[1].Data["change_type"])
}

func TestParseFitbitNotificationArray(t *testing.T) {
	body := []byte(`[
		{"collectionType": "sleep", "ownerId": "FB1", "date": "2025-02-27"},
		{"collectionType": "activities", "ownerId": "FB1", "date": "2025-02-27"}
	]`)
	events, err := ParseWebhookPayload("fitbit", body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "fitbit", events[0].Service)
	assert.Equal(t, "sleep_updated", events[0].EventType)
	assert.Equal(t, "FB1", events[0].WorkspaceID)
	assert.Equal(t, "fitbit_FB1_sleep_2025-02-27", events[0].EventID)
}

func TestParseTodoistEvent(t *testing.T) {
	body := []byte(`{
		"event_name": "item:added",
		"user_id": 777,
		"triggered_at": "2025-02-27T10:00:00Z",
		"event_data": {"id": 42, "content": "buy milk"}
	}`)
	events, err := ParseWebhookPayload("todoist", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "item:added", events[0].EventType)
	assert.Equal(t, "777", events[0].WorkspaceID)
	assert.Equal(t, "buy milk", events[0].Data["content"])
}

func TestParseNotionEvent(t *testing.T) {
	body := []byte(`{
		"id": "evt-1",
		"type": "page.created",
		"workspace": {"id": "ws-1"},
		"entity": {"id": "page-1"}
	}`)
	events, err := ParseWebhookPayload("notion", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "page.created", events[0].EventType)
	assert.Equal(t, "ws-1", events[0].WorkspaceID)
}

func TestParse_BadPayloadErrors(t *testing.T) {
	_, err := ParseWebhookPayload("slack", []byte("not json"))
	assert.Error(t, err)

	_, err = ParseWebhookPayload("slack", []byte(`{"no_event": true}`))
	assert.Error(t, err)

	_, err = ParseWebhookPayload("gmail", []byte(`{"message": {"data": "!!!not-base64"}}`))
	assert.Error(t, err)
}
