package models

import (
	"encoding/json"
	"strings"
	"time"
)

// User owns automations and integrations. Timezone feeds the template
// evaluator's date variables.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"unique;not null" json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Timezone  string    `gorm:"default:'UTC'" json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Integration is one connected external service account. WorkspaceID is the
// external tenant identifier carried in webhook payloads (Slack team_id,
// Notion workspace.id, Fitbit ownerId, ...). WebhookCursor stores per-service
// ingress state such as the Gmail history id.
type Integration struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	OwnerID       string     `gorm:"index" json:"owner_id"`
	Service       string     `gorm:"index:idx_integrations_workspace" json:"service"`
	WorkspaceID   string     `gorm:"index:idx_integrations_workspace" json:"workspace_id"`
	AccessToken   string     `json:"-"`
	RefreshToken  string     `json:"-"`
	ExpiresAt     *time.Time `json:"expires_at"`
	WebhookCursor string     `json:"webhook_cursor"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Automation trigger types.
const (
	TriggerWebhook           = "webhook"
	TriggerPolling           = "polling"
	TriggerScheduleOnce      = "schedule_once"
	TriggerScheduleRecurring = "schedule_recurring"
	TriggerManual            = "manual"
)

// Automation lifecycle states.
const (
	StatusPendingReview = "pending_review"
	StatusActive        = "active"
	StatusPaused        = "paused"
	StatusDisabled      = "disabled"
)

// Automation binds a trigger to an ordered list of actions. TriggerConfig,
// Actions and Variables are stored as JSON text and parsed on demand; the
// record is the single source of truth for all runtime decisions.
type Automation struct {
	ID                     string     `gorm:"primaryKey" json:"id"`
	OwnerID                string     `gorm:"index" json:"owner_id"`
	Name                   string     `gorm:"not null" json:"name"`
	Status                 string     `gorm:"default:'pending_review'" json:"status"`
	Active                 bool       `gorm:"index;default:false" json:"active"`
	TriggerType            string     `gorm:"index:idx_automations_polling" json:"trigger_type"`
	TriggerConfig          string     `gorm:"type:text" json:"trigger_config"` // JSON
	Actions                string     `gorm:"type:text" json:"actions"`        // JSON array
	Variables              string     `gorm:"type:text" json:"variables"`      // JSON object
	NextPollAt             *time.Time `gorm:"index:idx_automations_polling" json:"next_poll_at"`
	LastPollCursor         string     `json:"last_poll_cursor"`
	PollingIntervalMinutes int        `json:"polling_interval_minutes"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Event is a queued unit of work produced by webhook ingress or polling.
// (Service, EventID, OwnerID) is the deduplication key.
type Event struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	OwnerID     string     `gorm:"uniqueIndex:idx_events_dedup" json:"owner_id"`
	Service     string     `gorm:"uniqueIndex:idx_events_dedup" json:"service"`
	EventType   string     `gorm:"index" json:"event_type"`
	EventID     string     `gorm:"uniqueIndex:idx_events_dedup" json:"event_id"`
	EventData   string     `gorm:"type:text" json:"event_data"` // JSON
	Processed   bool       `gorm:"index;default:false" json:"processed"`
	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// ExecutionLog is the per-run record emitted by the executor.
type ExecutionLog struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	AutomationID    string     `gorm:"index" json:"automation_id"`
	OwnerID         string     `gorm:"index" json:"owner_id"`
	TriggerType     string     `gorm:"index" json:"trigger_type"`
	TriggerData     string     `gorm:"type:text" json:"trigger_data"` // JSON
	Status          string     `gorm:"index" json:"status"`           // running, completed, partial_failure, failed, usage_limit_exceeded
	ActionsExecuted int        `json:"actions_executed"`
	ActionsFailed   int        `json:"actions_failed"`
	ActionResults   string     `gorm:"type:text" json:"action_results"` // JSON array
	ErrorSummary    string     `gorm:"type:text" json:"error_summary"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationMs      int64      `json:"duration_ms"`
}

// Action is one step of an automation: a tool invocation with parameters,
// optionally guarded by a condition and optionally binding its return into
// the execution context under OutputAs.
type Action struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	OutputAs   string         `json:"output_as,omitempty"`
	Condition  map[string]any `json:"condition,omitempty"`
}

// UnmarshalJSON accepts the legacy aliases action_id and params.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string         `json:"id"`
		ActionID   string         `json:"action_id"`
		Tool       string         `json:"tool"`
		Params     map[string]any `json:"params"`
		Parameters map[string]any `json:"parameters"`
		OutputAs   string         `json:"output_as"`
		Condition  map[string]any `json:"condition"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ID = raw.ID
	if a.ID == "" {
		a.ID = raw.ActionID
	}
	a.Tool = raw.Tool
	a.Parameters = raw.Parameters
	if a.Parameters == nil {
		a.Parameters = raw.Params
	}
	a.OutputAs = raw.OutputAs
	a.Condition = raw.Condition
	return nil
}

// TriggerConfig is the trigger-type-dependent configuration object stored on
// the automation record.
type TriggerConfig struct {
	// webhook + polling
	Service    string         `json:"service,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	EventTypes []string       `json:"event_types,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Filters    any            `json:"filters,omitempty"` // object or clause array

	// polling
	SourceTool             string         `json:"source_tool,omitempty"`
	ToolParams             map[string]any `json:"tool_params,omitempty"`
	AggregationMode        string         `json:"aggregation_mode,omitempty"`
	PollingIntervalMinutes int            `json:"polling_interval_minutes,omitempty"`

	// schedule_recurring / schedule_once
	Interval  string `json:"interval,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
	DayOfWeek any    `json:"day_of_week,omitempty"` // name string or 0..6
	Timezone  string `json:"timezone,omitempty"`
	RunAt     string `json:"run_at,omitempty"`
}

// FilterCondition normalizes filter/filters into a single condition map.
// A bare clause array under "filters" becomes an AND group.
func (tc *TriggerConfig) FilterCondition() map[string]any {
	if len(tc.Filter) > 0 {
		return tc.Filter
	}
	switch f := tc.Filters.(type) {
	case map[string]any:
		if len(f) > 0 {
			return f
		}
	case []any:
		if len(f) > 0 {
			return map[string]any{"operator": "AND", "clauses": f}
		}
	}
	return nil
}

// MatchesEventType reports whether the config admits the given event type.
// An empty config list admits everything.
func (tc *TriggerConfig) MatchesEventType(eventType string) bool {
	if tc.EventType == "" && len(tc.EventTypes) == 0 {
		return true
	}
	if tc.EventType != "" && strings.EqualFold(tc.EventType, eventType) {
		return true
	}
	for _, et := range tc.EventTypes {
		if strings.EqualFold(et, eventType) {
			return true
		}
	}
	return false
}

// ParseTriggerConfig decodes the stored trigger configuration.
func (a *Automation) ParseTriggerConfig() (*TriggerConfig, error) {
	tc := &TriggerConfig{}
	if a.TriggerConfig == "" {
		return tc, nil
	}
	if err := json.Unmarshal([]byte(a.TriggerConfig), tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// ParseActions decodes the stored action list.
func (a *Automation) ParseActions() ([]Action, error) {
	if a.Actions == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(a.Actions), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// ParseVariables decodes the stored user-defined variables.
func (a *Automation) ParseVariables() (map[string]any, error) {
	if a.Variables == "" {
		return map[string]any{}, nil
	}
	vars := map[string]any{}
	if err := json.Unmarshal([]byte(a.Variables), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// ParseData decodes the queued event payload.
func (e *Event) ParseData() map[string]any {
	if e.EventData == "" {
		return map[string]any{}
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(e.EventData), &data); err != nil {
		// Primitives are wrapped into an object on enqueue, but arrays are
		// stored as arrays; arrays and anything else that is not a JSON
		// object degrade to an empty payload here.
		return map[string]any{}
	}
	return data
}
