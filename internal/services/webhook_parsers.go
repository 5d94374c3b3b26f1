package services

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ParsedEvent is a webhook payload normalized into the engine's event shape.
// WorkspaceID is the external tenant identifier used for owner resolution;
// OwnerID is set directly only when the payload already carries it
// (Microsoft clientState).
type ParsedEvent struct {
	Service     string
	EventType   string
	EventID     string
	WorkspaceID string
	OwnerID     string
	Data        map[string]any
}

// ParseWebhookPayload normalizes a raw webhook body for one service. A single
// request may carry several notifications (Fitbit posts arrays), so the
// result is a slice.
func ParseWebhookPayload(service string, body []byte) ([]ParsedEvent, error) {
	switch strings.ToLower(service) {
	case "slack":
		return parseSlack(body)
	case "gmail":
		return parseGmail(body)
	case "google_calendar", "google":
		return parseGoogleCalendar(body)
	case "microsoft", "outlook":
		return parseMicrosoft(body)
	case "notion":
		return parseNotion(body)
	case "todoist":
		return parseTodoist(body)
	case "fitbit":
		return parseFitbit(body)
	default:
		return parseGeneric(service, body)
	}
}

func decodeObject(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func parseSlack(body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	event, _ := payload["event"].(map[string]any)
	if event == nil {
		return nil, fmt.Errorf("slack payload missing event")
	}
	eventID := str(payload, "event_id")
	if eventID == "" {
		eventID = str(event, "event_ts")
	}
	return []ParsedEvent{{
		Service:     "slack",
		EventType:   str(event, "type"),
		EventID:     eventID,
		WorkspaceID: str(payload, "team_id"),
		Data:        event,
	}}, nil
}

// parseGmail unwraps the Pub/Sub push envelope: message.data is base64 JSON
// {"emailAddress": ..., "historyId": ...}.
func parseGmail(body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	message, _ := payload["message"].(map[string]any)
	if message == nil {
		return nil, fmt.Errorf("gmail payload missing pubsub message")
	}
	raw, err := base64.StdEncoding.DecodeString(str(message, "data"))
	if err != nil {
		return nil, fmt.Errorf("decode pubsub data: %w", err)
	}
	inner, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	historyID := stringify(inner["historyId"])
	return []ParsedEvent{{
		Service:     "gmail",
		EventType:   "new_email",
		EventID:     "gmail_history_" + historyID,
		WorkspaceID: str(inner, "emailAddress"),
		Data: map[string]any{
			"email_address": str(inner, "emailAddress"),
			"history_id":    historyID,
		},
	}}, nil
}

func parseGoogleCalendar(body []byte) ([]ParsedEvent, error) {
	// Calendar push notifications carry state in headers, not the body; the
	// handler copies the channel headers into the body object before parse.
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	return []ParsedEvent{{
		Service:     "google_calendar",
		EventType:   "calendar_changed",
		EventID:     str(payload, "channel_id") + "_" + str(payload, "message_number"),
		WorkspaceID: str(payload, "channel_token"),
		Data:        payload,
	}}, nil
}

func parseMicrosoft(body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	rawValues, _ := payload["value"].([]any)
	if rawValues == nil {
		return nil, fmt.Errorf("graph payload missing value array")
	}
	var events []ParsedEvent
	for _, rv := range rawValues {
		notification, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		resourceData, _ := notification["resourceData"].(map[string]any)
		eventID := ""
		if resourceData != nil {
			eventID = str(resourceData, "id")
		}
		if eventID == "" {
			eventID = str(notification, "subscriptionId") + "_" + str(notification, "resource")
		}
		data := map[string]any{
			"change_type": str(notification, "changeType"),
			"resource":    str(notification, "resource"),
		}
		if resourceData != nil {
			data["resource_data"] = resourceData
		}
		events = append(events, ParsedEvent{
			Service:   "outlook",
			EventType: "email_" + str(notification, "changeType"),
			EventID:   eventID,
			// clientState is set to the owner id at subscription time.
			OwnerID: str(notification, "clientState"),
			Data:    data,
		})
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("graph payload had no notifications")
	}
	return events, nil
}

func parseNotion(body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	workspace, _ := payload["workspace"].(map[string]any)
	workspaceID := str(payload, "workspace_id")
	if workspaceID == "" && workspace != nil {
		workspaceID = str(workspace, "id")
	}
	eventID := str(payload, "id")
	if eventID == "" {
		entity, _ := payload["entity"].(map[string]any)
		if entity != nil {
			eventID = str(entity, "id") + "_" + stringify(payload["timestamp"])
		}
	}
	return []ParsedEvent{{
		Service:     "notion",
		EventType:   str(payload, "type"),
		EventID:     eventID,
		WorkspaceID: workspaceID,
		Data:        payload,
	}}, nil
}

func parseTodoist(body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	eventData, _ := payload["event_data"].(map[string]any)
	if eventData == nil {
		eventData = payload
	}
	eventID := str(payload, "triggered_at") + "_" + stringify(eventData["id"])
	return []ParsedEvent{{
		Service:     "todoist",
		EventType:   str(payload, "event_name"),
		EventID:     eventID,
		WorkspaceID: stringify(payload["user_id"]),
		Data:        eventData,
	}}, nil
}

// parseFitbit handles the subscription notification array: one entry per
// (user, collection, date).
func parseFitbit(body []byte) ([]ParsedEvent, error) {
	var notifications []map[string]any
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, fmt.Errorf("decode fitbit payload: %w", err)
	}
	var events []ParsedEvent
	for _, n := range notifications {
		collection := str(n, "collectionType")
		events = append(events, ParsedEvent{
			Service:     "fitbit",
			EventType:   collection + "_updated",
			EventID:     fmt.Sprintf("fitbit_%s_%s_%s", str(n, "ownerId"), collection, str(n, "date")),
			WorkspaceID: str(n, "ownerId"),
			Data: map[string]any{
				"collection_type": collection,
				"date":            str(n, "date"),
				"owner_id":        str(n, "ownerId"),
			},
		})
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("fitbit payload had no notifications")
	}
	return events, nil
}

func parseGeneric(service string, body []byte) ([]ParsedEvent, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	eventID := str(payload, "event_id")
	if eventID == "" {
		eventID = str(payload, "id")
	}
	return []ParsedEvent{{
		Service:     strings.ToLower(service),
		EventType:   str(payload, "event_type"),
		EventID:     eventID,
		WorkspaceID: str(payload, "workspace_id"),
		Data:        payload,
	}}, nil
}
