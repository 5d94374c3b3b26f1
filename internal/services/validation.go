package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"triggerflow/internal/models"
)

var (
	handlebarsPattern  = regexp.MustCompile(`\{\{[#/][^}]+\}\}`)
	eventDataPattern   = regexp.MustCompile(`\{\{event_data\.[^}]+\}\}`)
	arraySyntaxPattern = regexp.MustCompile(`\{\{(?:trigger_data\.)?\d+\.[^}]+\}\}`)
)

// reservedContextKeys may not be claimed by output_as bindings.
var reservedContextKeys = []string{"user", "trigger_data"}

var validTriggerTypes = []string{
	models.TriggerWebhook, models.TriggerPolling,
	models.TriggerScheduleOnce, models.TriggerScheduleRecurring,
	models.TriggerManual,
}

var conditionOps = []string{
	"<", ">", "<=", ">=", "==", "!=", "eq", "neq",
	"contains", "contains_any", "not_contains", "starts_with", "ends_with",
	"exists", "not_exists",
}

// ValidateAutomation structurally validates an automation before it is
// accepted: trigger shape, action list, condition structure, template
// syntax, and tool existence (when a registry is supplied). Returns the full
// list of problems so the author can fix them in one pass.
func ValidateAutomation(ctx context.Context, automation *models.Automation, registry ToolRegistry) []string {
	var errs []string

	if !inList(validTriggerTypes, automation.TriggerType) {
		errs = append(errs, fmt.Sprintf("unknown trigger_type: %q", automation.TriggerType))
	}

	tc, err := automation.ParseTriggerConfig()
	if err != nil {
		errs = append(errs, fmt.Sprintf("trigger_config is not valid JSON: %v", err))
		tc = &models.TriggerConfig{}
	}
	switch automation.TriggerType {
	case models.TriggerWebhook:
		if tc.Service == "" {
			errs = append(errs, "webhook trigger requires service")
		}
	case models.TriggerPolling:
		if tc.SourceTool == "" {
			errs = append(errs, "polling trigger requires source_tool")
		}
	case models.TriggerScheduleRecurring:
		if _, ok := scheduleBuckets[tc.Interval]; !ok {
			errs = append(errs, fmt.Sprintf("unknown schedule interval: %q", tc.Interval))
		}
	case models.TriggerScheduleOnce:
		if _, err := parseRunAt(tc.RunAt); err != nil {
			errs = append(errs, fmt.Sprintf("schedule_once requires a parseable run_at: %v", err))
		}
	}

	actions, err := automation.ParseActions()
	if err != nil {
		errs = append(errs, fmt.Sprintf("actions are not valid JSON: %v", err))
		return errs
	}
	if len(actions) == 0 {
		errs = append(errs, "automation has no actions")
	}

	seenIDs := map[string]bool{}
	for i, action := range actions {
		label := action.ID
		if label == "" {
			label = fmt.Sprintf("action %d", i)
		}
		if action.Tool == "" {
			errs = append(errs, label+": missing tool")
		} else if registry != nil {
			tool, err := registry.GetByName(ctx, action.Tool)
			if err == nil && tool == nil {
				errs = append(errs, fmt.Sprintf("%s: unknown tool %q", label, action.Tool))
			}
		}
		if action.ID != "" {
			if seenIDs[action.ID] {
				errs = append(errs, fmt.Sprintf("duplicate action id %q", action.ID))
			}
			seenIDs[action.ID] = true
		}
		if action.OutputAs != "" && inList(reservedContextKeys, action.OutputAs) {
			errs = append(errs, fmt.Sprintf("%s: output_as %q collides with a reserved context key", label, action.OutputAs))
		}
		if len(action.Condition) > 0 {
			errs = append(errs, validateConditionStructure(action.Condition, label)...)
		}
		errs = append(errs, checkTemplates(action.Parameters, automation.TriggerType, label)...)
	}

	return errs
}

// validateConditionStructure checks the clause/group shape without
// evaluating anything.
func validateConditionStructure(condition map[string]any, label string) []string {
	var errs []string

	if _, hasPath := condition["path"]; hasPath {
		op, _ := condition["op"].(string)
		if op == "" {
			errs = append(errs, label+": condition clause missing op")
		} else if !inList(conditionOps, op) {
			errs = append(errs, fmt.Sprintf("%s: unknown condition op %q", label, op))
		}
		if _, hasValue := condition["value"]; !hasValue && op != "exists" && op != "not_exists" {
			errs = append(errs, label+": condition clause missing value")
		}
		return errs
	}

	rawClauses, hasClauses := condition["clauses"]
	if !hasClauses {
		errs = append(errs, label+": condition must have path or clauses")
		return errs
	}
	operator, _ := condition["operator"].(string)
	if operator == "" {
		errs = append(errs, label+": multi-clause condition missing operator")
	} else if op := strings.ToUpper(operator); op != "AND" && op != "OR" {
		errs = append(errs, fmt.Sprintf("%s: condition operator must be AND or OR, got %q", label, operator))
	}
	clauses, ok := rawClauses.([]any)
	if !ok {
		errs = append(errs, label+": condition clauses must be an array")
		return errs
	}
	for j, rc := range clauses {
		clause, ok := rc.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: clause %d must be an object", label, j))
			continue
		}
		errs = append(errs, validateConditionStructure(clause, fmt.Sprintf("%s clause %d", label, j))...)
	}
	return errs
}

// checkTemplates rejects template forms the engine deliberately does not
// support and flags common authoring mistakes.
func checkTemplates(value any, triggerType, path string) []string {
	var errs []string
	switch v := value.(type) {
	case string:
		if m := handlebarsPattern.FindString(v); m != "" {
			errs = append(errs, fmt.Sprintf("%s: handlebars block syntax %q is not supported; use action conditions for branching", path, m))
		}
		if m := eventDataPattern.FindString(v); m != "" {
			suggested := strings.Replace(m, "{{event_data.", "{{trigger_data.", 1)
			errs = append(errs, fmt.Sprintf("%s: %q is not a valid template; use %q", path, m, suggested))
		}
		if triggerType == models.TriggerWebhook {
			if m := arraySyntaxPattern.FindString(v); m != "" {
				errs = append(errs, fmt.Sprintf("%s: webhook trigger data is an object, not an array; %q should address the field directly", path, m))
			}
		}
	case map[string]any:
		for k, inner := range v {
			errs = append(errs, checkTemplates(inner, triggerType, path+"."+k)...)
		}
	case []any:
		for i, inner := range v {
			errs = append(errs, checkTemplates(inner, triggerType, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return errs
}
