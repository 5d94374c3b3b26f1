package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"triggerflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Execution statuses recorded on the log row.
const (
	StatusRunning            = "running"
	StatusCompleted          = "completed"
	StatusPartialFailure     = "partial_failure"
	StatusFailed             = "failed"
	StatusUsageLimitExceeded = "usage_limit_exceeded"
)

// ActionResult is the per-action outcome kept in the execution log.
type ActionResult struct {
	ActionID        string `json:"action_id"`
	Tool            string `json:"tool"`
	Success         bool   `json:"success"`
	DurationMs      int64  `json:"duration_ms"`
	Output          any    `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
	UsageLimited    bool   `json:"usage_limited,omitempty"`
	ConditionResult *bool  `json:"condition_result,omitempty"`
}

// ExecutionResult is the outcome of one automation run.
type ExecutionResult struct {
	Success         bool           `json:"success"`
	Status          string         `json:"status"`
	ActionsExecuted int            `json:"actions_executed"`
	ActionsFailed   int            `json:"actions_failed"`
	ActionResults   []ActionResult `json:"action_results"`
	DurationMs      int64          `json:"duration_ms"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
	LogID           string         `json:"log_id,omitempty"`
}

// Executor walks an automation's action list in declared order: evaluate the
// condition, resolve parameter templates, dispatch the tool, bind outputs.
// Tool failures are non-fatal; the usage-limit sentinel aborts the run.
type Executor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	registry ToolRegistry
	users    UserProvider
	notifier NotificationHandler
	feed     *FeedHub
	tracer   trace.Tracer

	timeout time.Duration
	now     func() time.Time

	breakerMu sync.Mutex
	breakers  map[string]*CircuitBreaker
}

func NewExecutor(db *gorm.DB, logger *logrus.Logger, registry ToolRegistry, users UserProvider, notifier NotificationHandler) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Executor{
		db:       db,
		logger:   logger,
		registry: registry,
		users:    users,
		notifier: notifier,
		tracer:   otel.Tracer("triggerflow/executor"),
		timeout:  30 * time.Second,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// SetFeed attaches the live execution feed hub.
func (s *Executor) SetFeed(feed *FeedHub) { s.feed = feed }

// SetActionTimeout overrides the default 30s per-action deadline.
func (s *Executor) SetActionTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// BuildContext assembles the template/condition context: trigger data spread
// at the root, the reserved user and trigger_data keys, then user-defined
// variables. Reserved keys win over trigger payload fields of the same name
// (Slack events carry their own "user"). Non-object trigger payloads (array
// outputs from latest-mode polls) are not spread; they stay reachable under
// trigger_data.
func BuildContext(triggerData any, user *UserInfo, variables map[string]any) map[string]any {
	ctx := make(map[string]any, len(variables)+2)
	if m, ok := triggerData.(map[string]any); ok {
		for k, v := range m {
			ctx[k] = v
		}
	}
	if user != nil {
		ctx["user"] = user.ContextMap()
	}
	ctx["trigger_data"] = triggerData
	for k, v := range variables {
		ctx[k] = v
	}
	return ctx
}

// Execute runs an automation against live tools and emits an execution log.
func (s *Executor) Execute(ctx context.Context, automation *models.Automation, triggerData any, user *UserInfo) (*ExecutionResult, error) {
	return s.execute(ctx, automation, triggerData, user, false)
}

// ExecuteTest runs an automation in test mode: conditions and templates are
// evaluated for real, but tool dispatch is replaced by an echo of the
// resolved parameters. No log row is written.
func (s *Executor) ExecuteTest(ctx context.Context, automation *models.Automation, triggerData any, user *UserInfo) (*ExecutionResult, error) {
	return s.execute(ctx, automation, triggerData, user, true)
}

func (s *Executor) execute(ctx context.Context, automation *models.Automation, triggerData any, user *UserInfo, testMode bool) (*ExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "automation.execute")
	defer span.End()

	started := s.now()
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	if user == nil && s.users != nil {
		if u, err := s.users.GetUserInfo(ctx, automation.OwnerID); err == nil && u != nil {
			user = u
		}
	}
	if user == nil {
		user = &UserInfo{ID: automation.OwnerID, Timezone: "UTC"}
	}

	actions, err := automation.ParseActions()
	if err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}
	variables, err := automation.ParseVariables()
	if err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}

	execCtx := BuildContext(triggerData, user, variables)

	var (
		results   []ActionResult
		succeeded int
		failed    int
		errors    []string
		limitHit  bool
	)

	for _, action := range actions {
		actionID := action.ID
		if actionID == "" {
			actionID = fmt.Sprintf("action_%d", len(results))
		}
		actionStart := s.now()

		var condResult *bool
		if len(action.Condition) > 0 {
			ok := EvaluateCondition(action.Condition, execCtx, s.now())
			condResult = &ok
			if !ok {
				results = append(results, ActionResult{
					ActionID:        actionID,
					Tool:            action.Tool,
					Success:         true,
					Skipped:         true,
					DurationMs:      s.now().Sub(actionStart).Milliseconds(),
					ConditionResult: condResult,
				})
				s.logger.Debugf("action %s skipped, condition not met", actionID)
				continue
			}
		}

		resolved := ResolveParams(action.Parameters, execCtx, s.now())

		var (
			output  any
			toolErr error
		)
		if testMode {
			output = map[string]any{"test_mode": true, "tool": action.Tool, "parameters": resolved}
		} else {
			output, toolErr = s.dispatchTool(ctx, action.Tool, resolved, automation.OwnerID)
		}
		durationMs := s.now().Sub(actionStart).Milliseconds()

		if toolErr == nil && IsUsageLimitOutput(output) {
			limitHit = true
			m, _ := output.(map[string]any)
			service := stringify(m["service"])
			message := stringify(m["message"])
			if message == "" {
				message = "Usage limit reached"
			}
			s.logger.Warnf("usage limit exceeded for %s in action %s", service, actionID)
			if err := s.notifier.NotifyUsageLimitExceeded(ctx, user.ID, automation.ID, automation.Name); err != nil {
				s.logger.Errorf("usage limit notification failed: %v", err)
			}
			results = append(results, ActionResult{
				ActionID:        actionID,
				Tool:            action.Tool,
				Success:         false,
				UsageLimited:    true,
				DurationMs:      durationMs,
				Error:           "Usage limit exceeded: " + message,
				ConditionResult: condResult,
			})
			errors = append(errors, fmt.Sprintf("usage limit exceeded for %s", service))
			break
		}

		if toolErr != nil {
			failed++
			errors = append(errors, fmt.Sprintf("%s: %v", actionID, toolErr))
			results = append(results, ActionResult{
				ActionID:        actionID,
				Tool:            action.Tool,
				Success:         false,
				DurationMs:      durationMs,
				Error:           toolErr.Error(),
				ConditionResult: condResult,
			})
			s.logger.Warnf("action %s failed: %v", actionID, toolErr)
			continue
		}

		succeeded++
		if action.OutputAs != "" {
			bound := output
			if str, ok := output.(string); ok {
				bound = ExtractJSON(str)
			}
			if m, ok := bound.(map[string]any); ok {
				bound = NormalizeOutput(m)
			}
			execCtx[action.OutputAs] = bound
		}
		results = append(results, ActionResult{
			ActionID:        actionID,
			Tool:            action.Tool,
			Success:         true,
			DurationMs:      durationMs,
			Output:          output,
			ConditionResult: condResult,
		})
	}

	status := StatusCompleted
	success := true
	switch {
	case limitHit:
		status = StatusUsageLimitExceeded
		success = false
	case failed == 0:
	case succeeded > 0:
		status = StatusPartialFailure
	default:
		status = StatusFailed
		success = false
	}

	result := &ExecutionResult{
		Success:         success,
		Status:          status,
		ActionsExecuted: succeeded,
		ActionsFailed:   failed,
		ActionResults:   results,
		DurationMs:      s.now().Sub(started).Milliseconds(),
		ErrorSummary:    strings.Join(errors, "; "),
	}

	if !testMode {
		result.LogID = s.writeLog(ctx, automation, triggerData, started, result)
		if s.feed != nil {
			s.feed.BroadcastExecution(automation, result)
		}
	}
	return result, nil
}

// dispatchTool runs one registry tool under the per-action deadline, guarded
// by a per-service circuit breaker. The handler runs in its own goroutine so
// a stuck tool cannot outlive the deadline.
func (s *Executor) dispatchTool(ctx context.Context, name string, params map[string]any, ownerID string) (any, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("tool registry not configured")
	}
	tool, err := s.registry.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("tool lookup: %w", err)
	}
	if tool == nil {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	breaker := s.breakerFor(tool.Service)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit open for service %s", tool.Service)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := s.registry.Execute(callCtx, name, params, ownerID)
		done <- outcome{v, err}
	}()

	select {
	case <-callCtx.Done():
		breaker.OnFailure()
		return nil, fmt.Errorf("tool execution timed out after %s", s.timeout)
	case out := <-done:
		if out.err != nil {
			breaker.OnFailure()
			return nil, out.err
		}
		breaker.OnSuccess()
		value := out.value
		if str, ok := value.(string); ok {
			if strings.HasPrefix(str, "Error:") {
				breaker.OnFailure()
				return nil, fmt.Errorf("%s", str)
			}
			var parsed any
			if err := json.Unmarshal([]byte(str), &parsed); err == nil {
				value = parsed
			}
		}
		return value, nil
	}
}

func (s *Executor) breakerFor(service string) *CircuitBreaker {
	if service == "" {
		service = "default"
	}
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	if cb, ok := s.breakers[service]; ok {
		return cb
	}
	cb := NewCircuitBreaker()
	s.breakers[service] = cb
	return cb
}

func (s *Executor) writeLog(ctx context.Context, automation *models.Automation, triggerData any, started time.Time, result *ExecutionResult) string {
	if s.db == nil {
		return ""
	}
	triggerJSON, _ := json.Marshal(triggerData)
	resultsJSON, _ := json.Marshal(result.ActionResults)
	completed := s.now()
	entry := &models.ExecutionLog{
		ID:              uuid.NewString(),
		AutomationID:    automation.ID,
		OwnerID:         automation.OwnerID,
		TriggerType:     automation.TriggerType,
		TriggerData:     string(triggerJSON),
		Status:          result.Status,
		ActionsExecuted: result.ActionsExecuted,
		ActionsFailed:   result.ActionsFailed,
		ActionResults:   string(resultsJSON),
		ErrorSummary:    result.ErrorSummary,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationMs:      result.DurationMs,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Warnf("record execution log failed: %v", err)
		return ""
	}
	return entry.ID
}

var codeBlockPattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls embedded JSON out of a string tool output. Tries a
// direct parse, then fenced code blocks, then the widest {...} or [...]
// span; falls back to the original string.
func ExtractJSON(text string) any {
	trimmed := strings.TrimSpace(text)

	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct
	}

	for _, m := range codeBlockPattern.FindAllStringSubmatch(trimmed, -1) {
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &parsed); err == nil {
			return parsed
		}
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(trimmed, pair[0])
		end := strings.LastIndex(trimmed, pair[1])
		if start >= 0 && end > start {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err == nil {
				return parsed
			}
		}
	}
	return text
}

// Wrapper keys whose contents are spread to the root while the original is
// kept, so both {{out.summary.steps}} and {{out.steps}} resolve.
var wrapperKeys = []string{"data", "summary", "result", "response", "output"}

// Nested objects whose primitive fields are copied up while the original is
// kept.
var flattenAndKeepKeys = []string{"contributors", "user", "author", "goals"}

// NormalizeOutput flattens tool output for consistent template access across
// trigger types: wrapper objects spread to the root, selected nested objects
// copy their primitives up, wrapper arrays copy the first element's
// primitives up.
func NormalizeOutput(item map[string]any) map[string]any {
	if len(item) == 0 {
		return map[string]any{}
	}
	normalized := map[string]any{}

	flattenNested := func(key string, value map[string]any) {
		normalized[key] = value
		for nk, nv := range value {
			if _, exists := normalized[nk]; !exists && isPrimitive(nv) {
				normalized[nk] = nv
			}
			if key == "user" && nk == "profile" {
				if profile, ok := nv.(map[string]any); ok {
					for pk, pv := range profile {
						if _, exists := normalized[pk]; !exists {
							normalized[pk] = pv
						}
					}
				}
			}
		}
	}

	for key, value := range item {
		switch {
		case inList(wrapperKeys, key):
			if inner, ok := value.(map[string]any); ok {
				normalized[key] = inner
				for ik, iv := range inner {
					if nested, ok := iv.(map[string]any); ok && inList(flattenAndKeepKeys, ik) {
						flattenNested(ik, nested)
					} else if _, exists := normalized[ik]; !exists {
						normalized[ik] = iv
					}
				}
				continue
			}
			if arr, ok := value.([]any); ok && len(arr) > 0 {
				normalized[key] = arr
				if first, ok := arr[0].(map[string]any); ok {
					for ik, iv := range first {
						if _, exists := normalized[ik]; !exists && isPrimitive(iv) {
							normalized[ik] = iv
						}
					}
				}
				continue
			}
			normalized[key] = value
		case inList(flattenAndKeepKeys, key):
			if nested, ok := value.(map[string]any); ok {
				flattenNested(key, nested)
				continue
			}
			normalized[key] = value
		default:
			normalized[key] = value
		}
	}
	return normalized
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func inList(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
