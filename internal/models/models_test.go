package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionUnmarshalAliases(t *testing.T) {
	var a Action
	require.NoError(t, a.UnmarshalJSON([]byte(`{
		"action_id": "a1", "tool": "notify", "params": {"text": "hi"}, "output_as": "out"
	}`)))
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "notify", a.Tool)
	assert.Equal(t, "hi", a.Parameters["text"])
	assert.Equal(t, "out", a.OutputAs)

	// Canonical keys win over aliases.
	require.NoError(t, a.UnmarshalJSON([]byte(`{
		"id": "canonical", "action_id": "alias", "tool": "x",
		"parameters": {"a": 1}, "params": {"b": 2}
	}`)))
	assert.Equal(t, "canonical", a.ID)
	assert.Contains(t, a.Parameters, "a")
	assert.NotContains(t, a.Parameters, "b")
}

func TestParseTriggerConfig(t *testing.T) {
	automation := &Automation{TriggerConfig: `{
		"service": "Slack",
		"event_type": "message",
		"source_tool": "slack_list_messages",
		"polling_interval_minutes": 10
	}`}
	tc, err := automation.ParseTriggerConfig()
	require.NoError(t, err)
	assert.Equal(t, "Slack", tc.Service)
	assert.Equal(t, 10, tc.PollingIntervalMinutes)

	// Empty config parses to the zero value.
	empty := &Automation{}
	tc, err = empty.ParseTriggerConfig()
	require.NoError(t, err)
	assert.Equal(t, "", tc.Service)

	// Bad JSON errors.
	bad := &Automation{TriggerConfig: "{nope"}
	_, err = bad.ParseTriggerConfig()
	assert.Error(t, err)
}

func TestFilterConditionNormalization(t *testing.T) {
	// Explicit filter object wins.
	tc := &TriggerConfig{Filter: map[string]any{"path": "a", "op": "==", "value": float64(1)}}
	assert.Equal(t, "a", tc.FilterCondition()["path"])

	// filters as object.
	tc = &TriggerConfig{Filters: map[string]any{"path": "b", "op": "==", "value": float64(2)}}
	assert.Equal(t, "b", tc.FilterCondition()["path"])

	// filters as a bare clause array becomes an AND group.
	tc = &TriggerConfig{Filters: []any{
		map[string]any{"path": "c", "op": "exists"},
	}}
	cond := tc.FilterCondition()
	assert.Equal(t, "AND", cond["operator"])
	assert.Len(t, cond["clauses"], 1)

	// Nothing set means no filter.
	assert.Nil(t, (&TriggerConfig{}).FilterCondition())
}

func TestMatchesEventType(t *testing.T) {
	tc := &TriggerConfig{}
	assert.True(t, tc.MatchesEventType("anything"))

	tc = &TriggerConfig{EventType: "New_Email"}
	assert.True(t, tc.MatchesEventType("new_email"))
	assert.False(t, tc.MatchesEventType("deleted"))

	tc = &TriggerConfig{EventTypes: []string{"created", "updated"}}
	assert.True(t, tc.MatchesEventType("UPDATED"))
	assert.False(t, tc.MatchesEventType("removed"))
}

func TestEventParseData(t *testing.T) {
	e := &Event{EventData: `{"subject": "hi"}`}
	assert.Equal(t, "hi", e.ParseData()["subject"])

	// Non-object payloads degrade to empty maps here; the dispatcher decodes
	// raw shapes itself.
	arr := &Event{EventData: `[1, 2]`}
	assert.Empty(t, arr.ParseData())

	empty := &Event{}
	assert.Empty(t, empty.ParseData())
}

func TestParseActionsAndVariables(t *testing.T) {
	automation := &Automation{
		Actions:   `[{"id": "a1", "tool": "x", "parameters": {}}, {"id": "a2", "tool": "y", "parameters": {}}]`,
		Variables: `{"greeting": "hello"}`,
	}
	actions, err := automation.ParseActions()
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a2", actions[1].ID)

	vars, err := automation.ParseVariables()
	require.NoError(t, err)
	assert.Equal(t, "hello", vars["greeting"])

	none := &Automation{}
	actions, err = none.ParseActions()
	require.NoError(t, err)
	assert.Nil(t, actions)
}
