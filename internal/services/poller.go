package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// healthCategory is the tool-catalog category whose services default to
// latest-mode aggregation.
const healthCategory = "Health and Wellness"

// Per-service default polling intervals in minutes.
var defaultPollIntervals = map[string]int{
	"oura":             60,
	"fitbit":           15,
	"todoist":          5,
	"google_calendar":  10,
	"outlook_calendar": 10,
	"excel":            10,
	"word":             15,
	"notion":           10,
}

const fallbackPollInterval = 15

// PollMetric is the per-automation outcome of one poll.
type PollMetric struct {
	AutomationID  string `json:"automation_id"`
	Service       string `json:"service"`
	ItemsFound    int    `json:"items_found"`
	FilteredItems int    `json:"filtered_items"`
	EventsCreated int    `json:"events_created"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}

// PollRunSummary aggregates one poller tick.
type PollRunSummary struct {
	Polled  int          `json:"polled"`
	Events  int          `json:"events"`
	Metrics []PollMetric `json:"metrics"`
}

// PollerService drives polling automations: on each tick it selects due
// records, invokes their source tools, diffs results against the stored
// cursor, aggregates new items into events, and advances the cursor.
type PollerService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	queue    *EventQueueService
	registry ToolRegistry
	users    UserProvider
	feed     *FeedHub
	tracer   trace.Tracer
	now      func() time.Time

	batchSize   int
	batchDelay  time.Duration
	toolTimeout time.Duration

	healthMu   sync.Mutex
	healthMemo map[string]bool
}

func NewPollerService(db *gorm.DB, logger *logrus.Logger, queue *EventQueueService, registry ToolRegistry, users UserProvider) *PollerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PollerService{
		db:          db,
		logger:      logger,
		queue:       queue,
		registry:    registry,
		users:       users,
		tracer:      otel.Tracer("triggerflow/poller"),
		now:         time.Now,
		batchSize:   5,
		batchDelay:  time.Second,
		toolTimeout: 30 * time.Second,
		healthMemo:  make(map[string]bool),
	}
}

// SetFeed attaches the live activity feed.
func (s *PollerService) SetFeed(feed *FeedHub) { s.feed = feed }

// SetBatching overrides the per-tick concurrency and inter-batch delay.
func (s *PollerService) SetBatching(size int, delay time.Duration) {
	if size > 0 {
		s.batchSize = size
	}
	if delay >= 0 {
		s.batchDelay = delay
	}
}

// InvalidateHealthMemo clears the memoized service classification; called on
// the admin signal when the tool catalog's tags change.
func (s *PollerService) InvalidateHealthMemo() {
	s.healthMu.Lock()
	s.healthMemo = make(map[string]bool)
	s.healthMu.Unlock()
}

// RunDuePolls polls every due polling automation, optionally restricted to a
// service category or forced to a single automation id.
func (s *PollerService) RunDuePolls(ctx context.Context, category, automationID string) (*PollRunSummary, error) {
	ctx, span := s.tracer.Start(ctx, "poller.run")
	defer span.End()

	var automations []models.Automation
	q := s.db.WithContext(ctx).
		Where("active = ? AND trigger_type = ?", true, models.TriggerPolling)
	if automationID != "" {
		// Force-poll ignores dueness.
		q = q.Where("id = ?", automationID)
	} else {
		q = q.Where("next_poll_at IS NULL OR next_poll_at <= ?", s.now())
	}
	if err := q.Find(&automations).Error; err != nil {
		return nil, fmt.Errorf("select due polls: %w", err)
	}

	if category != "" {
		automations = s.filterByCategory(ctx, automations, category)
	}

	summary := &PollRunSummary{}
	for start := 0; start < len(automations); start += s.batchSize {
		end := start + s.batchSize
		if end > len(automations) {
			end = len(automations)
		}
		batch := automations[start:end]

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for i := range batch {
			wg.Add(1)
			go func(automation models.Automation) {
				defer wg.Done()
				metric := s.pollOne(ctx, &automation)
				mu.Lock()
				summary.Polled++
				summary.Events += metric.EventsCreated
				summary.Metrics = append(summary.Metrics, metric)
				mu.Unlock()
			}(batch[i])
		}
		wg.Wait()

		// Smooth load on upstream services between batches.
		if end < len(automations) {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(s.batchDelay):
			}
		}
	}
	return summary, nil
}

func (s *PollerService) filterByCategory(ctx context.Context, automations []models.Automation, category string) []models.Automation {
	var kept []models.Automation
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil {
			continue
		}
		got, err := s.registry.ServiceCategory(ctx, tc.Service)
		if err == nil && strings.EqualFold(got, category) {
			kept = append(kept, automations[i])
		}
	}
	return kept
}

func (s *PollerService) pollOne(ctx context.Context, automation *models.Automation) PollMetric {
	started := s.now()
	metric := PollMetric{AutomationID: automation.ID}

	tc, err := automation.ParseTriggerConfig()
	if err != nil || tc.SourceTool == "" {
		metric.Error = "invalid trigger config"
		s.advancePoll(ctx, automation, tc, automation.LastPollCursor)
		return metric
	}
	metric.Service = tc.Service

	user := s.userInfo(ctx, automation.OwnerID)
	params := s.materializeParams(automation, tc, user)

	toolCtx, cancel := context.WithTimeout(ctx, s.toolTimeout)
	output, err := s.registry.Execute(toolCtx, tc.SourceTool, params, automation.OwnerID)
	cancel()
	if err != nil {
		s.logger.Warnf("poll %s: source tool %s failed: %v", automation.ID, tc.SourceTool, err)
		metric.Error = err.Error()
		s.advancePoll(ctx, automation, tc, automation.LastPollCursor)
		metrics.IncPoll(tc.Service, 0)
		metric.DurationMs = s.now().Sub(started).Milliseconds()
		return metric
	}

	items := ExtractItems(output)
	metric.ItemsFound = len(items)

	cursor := automation.LastPollCursor
	newItems := make([]any, 0, len(items))
	for _, item := range items {
		marker := ExtractItemDate(item)
		if marker == "" {
			marker = ValueSignature(item)
		}
		if CursorNewer(marker, cursor) {
			newItems = append(newItems, item)
		}
	}

	mode := s.aggregationMode(ctx, tc)
	created, filteredOut := s.emitEvents(ctx, automation, tc, mode, output, newItems)
	metric.EventsCreated = created
	metric.FilteredItems = filteredOut

	newCursor := cursor
	for _, item := range newItems {
		marker := ExtractItemDate(item)
		if marker == "" {
			marker = ValueSignature(item)
		}
		if marker != "" {
			newCursor = CursorMax(newCursor, marker)
		}
	}
	s.advancePoll(ctx, automation, tc, newCursor)

	metric.DurationMs = s.now().Sub(started).Milliseconds()
	metrics.IncPoll(tc.Service, created)
	if s.feed != nil {
		s.feed.BroadcastActivity("poll", automation.OwnerID, metric)
	}
	return metric
}

// materializeParams resolves tool_params templates, substituting the stored
// cursor for {{last_cursor}} (defaulting to yesterday). Health-style source
// tools get start_date/end_date defaults so sync-delayed data is not missed.
func (s *PollerService) materializeParams(automation *models.Automation, tc *models.TriggerConfig, user *UserInfo) map[string]any {
	now := s.now()
	lastCursor := automation.LastPollCursor
	if lastCursor == "" {
		lastCursor = now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}

	ctx := map[string]any{"last_cursor": lastCursor}
	if user != nil {
		ctx["user"] = user.ContextMap()
	}

	params := map[string]any{}
	if tc.ToolParams != nil {
		params = ResolveParams(tc.ToolParams, ctx, now)
	}

	if looksLikeHealthTool(tc.SourceTool) {
		if _, ok := params["start_date"]; !ok {
			start := lastCursor
			if classifyCursor(start) != cursorISO {
				start = now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
			}
			params["start_date"] = start
		}
		if _, ok := params["end_date"]; !ok {
			params["end_date"] = dayInZone(now, user)
		}
	}
	return params
}

func dayInZone(now time.Time, user *UserInfo) string {
	if user != nil && user.Timezone != "" {
		if loc, err := time.LoadLocation(user.Timezone); err == nil {
			return now.In(loc).Format("2006-01-02")
		}
	}
	return now.UTC().Format("2006-01-02")
}

var healthToolHints = []string{"oura", "fitbit", "whoop", "sleep", "readiness", "activity", "heart_rate", "steps"}

func looksLikeHealthTool(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range healthToolHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// aggregationMode picks the explicit config value, else the health-service
// default (latest), else per_item. The catalog lookup is memoized for the
// process lifetime.
func (s *PollerService) aggregationMode(ctx context.Context, tc *models.TriggerConfig) string {
	if tc.AggregationMode != "" {
		return tc.AggregationMode
	}
	if s.isHealthService(ctx, tc.Service) {
		return "latest"
	}
	return "per_item"
}

func (s *PollerService) isHealthService(ctx context.Context, service string) bool {
	key := strings.ToLower(service)
	s.healthMu.Lock()
	if v, ok := s.healthMemo[key]; ok {
		s.healthMu.Unlock()
		return v
	}
	s.healthMu.Unlock()

	category, err := s.registry.ServiceCategory(ctx, service)
	if err != nil {
		return false
	}
	isHealth := strings.EqualFold(category, healthCategory)
	s.healthMu.Lock()
	s.healthMemo[key] = isHealth
	s.healthMu.Unlock()
	return isHealth
}

// emitEvents turns the new-item set into queued events per the aggregation
// mode. Returns (events created, items filtered out).
func (s *PollerService) emitEvents(ctx context.Context, automation *models.Automation, tc *models.TriggerConfig, mode string, rawOutput any, newItems []any) (int, int) {
	filter := tc.FilterCondition()
	now := s.now()
	eventType := tc.EventType
	if eventType == "" {
		eventType = tc.Service + "_update"
	}

	passes := func(subject any) bool {
		if filter == nil {
			return true
		}
		return EvaluateCondition(filter, map[string]any{"trigger_data": subject}, now)
	}

	switch mode {
	case "latest":
		// The filter runs against the raw tool output so filter paths keep
		// matching the tool's documented return schema.
		if len(newItems) == 0 {
			return 0, 0
		}
		if !passes(rawOutput) {
			return 0, 1
		}
		payload := latestPayload(rawOutput, eventType, automation.ID)
		eventID := fmt.Sprintf("%s_%s_%d", tc.Service, automation.ID, now.Unix())
		if marker := ExtractItemDate(newItems[len(newItems)-1]); marker != "" {
			eventID = fmt.Sprintf("%s_%s_%s", tc.Service, automation.ID, marker)
		}
		return s.enqueue(ctx, automation, tc, eventType, eventID, payload), 0

	case "batch":
		kept := make([]any, 0, len(newItems))
		for _, item := range newItems {
			if passes(item) {
				kept = append(kept, item)
			}
		}
		filtered := len(newItems) - len(kept)
		if len(kept) == 0 {
			return 0, filtered
		}
		payload := map[string]any{
			"items":         kept,
			"count":         len(kept),
			"_aggregation":  "batch",
			"type":          eventType,
			"automation_id": automation.ID,
		}
		eventID := fmt.Sprintf("%s_%s_%d", tc.Service, automation.ID, now.Unix())
		return s.enqueue(ctx, automation, tc, eventType, eventID, payload), filtered

	case "summary":
		kept := make([]any, 0, len(newItems))
		for _, item := range newItems {
			if passes(item) {
				kept = append(kept, item)
			}
		}
		filtered := len(newItems) - len(kept)
		if len(kept) == 0 {
			return 0, filtered
		}
		payload := summarizeItems(kept)
		payload["_aggregation"] = "summary"
		payload["type"] = eventType
		payload["automation_id"] = automation.ID
		eventID := fmt.Sprintf("%s_%s_%d", tc.Service, automation.ID, now.Unix())
		return s.enqueue(ctx, automation, tc, eventType, eventID, payload), filtered

	default: // per_item
		created, filtered := 0, 0
		for _, item := range newItems {
			if !passes(item) {
				filtered++
				continue
			}
			payload := perItemPayload(item, eventType, automation.ID)
			eventID := itemEventID(tc.Service, automation.ID, item, now)
			created += s.enqueue(ctx, automation, tc, eventType, eventID, payload)
		}
		return created, filtered
	}
}

func (s *PollerService) enqueue(ctx context.Context, automation *models.Automation, tc *models.TriggerConfig, eventType, eventID string, payload any) int {
	_, inserted, err := s.queue.Enqueue(ctx, automation.OwnerID, tc.Service, eventType, eventID, payload)
	if err != nil {
		s.logger.Errorf("poll %s: enqueue failed: %v", automation.ID, err)
		return 0
	}
	if !inserted {
		return 0
	}
	return 1
}

// latestPayload preserves the raw output's top-level shape: objects are
// annotated, arrays stay arrays, primitives become {type, message}.
func latestPayload(rawOutput any, eventType, automationID string) any {
	switch v := rawOutput.(type) {
	case map[string]any:
		payload := make(map[string]any, len(v)+2)
		for k, val := range v {
			payload[k] = val
		}
		payload["type"] = eventType
		payload["automation_id"] = automationID
		return payload
	case []any:
		return v
	default:
		return map[string]any{"type": eventType, "message": v}
	}
}

func perItemPayload(item any, eventType, automationID string) any {
	obj, ok := item.(map[string]any)
	if !ok {
		return map[string]any{"type": eventType, "message": item, "automation_id": automationID}
	}
	payload := make(map[string]any, len(obj)+2)
	for k, v := range obj {
		payload[k] = v
	}
	payload["type"] = eventType
	payload["automation_id"] = automationID
	return payload
}

func itemEventID(service, automationID string, item any, now time.Time) string {
	if obj, ok := item.(map[string]any); ok {
		if id := stringify(obj["id"]); id != "" {
			return id
		}
	}
	marker := ExtractItemDate(item)
	if marker == "" {
		marker = fmt.Sprintf("%d", now.Unix())
	}
	return fmt.Sprintf("%s_%s_%s", service, automationID, marker)
}

// summarizeItems computes min/max/avg for every numeric field of the first
// item across the surviving set, plus the latest item.
func summarizeItems(items []any) map[string]any {
	payload := map[string]any{"count": len(items)}
	first, ok := items[0].(map[string]any)
	if !ok {
		payload["latest"] = items[len(items)-1]
		return payload
	}
	for field := range first {
		if _, isNum := first[field].(float64); !isNum {
			continue
		}
		var (
			minV, maxV, sum float64
			n               int
		)
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			v, ok := obj[field].(float64)
			if !ok {
				continue
			}
			if n == 0 || v < minV {
				minV = v
			}
			if n == 0 || v > maxV {
				maxV = v
			}
			sum += v
			n++
		}
		if n > 0 {
			payload[field+"_min"] = minV
			payload[field+"_max"] = maxV
			payload[field+"_avg"] = sum / float64(n)
		}
	}
	payload["latest"] = items[len(items)-1]
	return payload
}

// advancePoll writes the cursor and the next poll time. next_poll_at
// advances after every poll, success or handled failure.
func (s *PollerService) advancePoll(ctx context.Context, automation *models.Automation, tc *models.TriggerConfig, cursor string) {
	interval := automation.PollingIntervalMinutes
	if interval <= 0 && tc != nil {
		interval = tc.PollingIntervalMinutes
	}
	if interval <= 0 && tc != nil {
		if v, ok := defaultPollIntervals[strings.ToLower(tc.Service)]; ok {
			interval = v
		}
	}
	if interval <= 0 {
		interval = fallbackPollInterval
	}

	next := s.now().Add(time.Duration(interval) * time.Minute)
	updates := map[string]any{"next_poll_at": next}
	if cursor != "" {
		updates["last_poll_cursor"] = cursor
	}
	if err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", automation.ID).
		Updates(updates).Error; err != nil {
		s.logger.Warnf("poll %s: advancing poll state failed: %v", automation.ID, err)
	}
	automation.NextPollAt = &next
	if cursor != "" {
		automation.LastPollCursor = cursor
	}
}

func (s *PollerService) userInfo(ctx context.Context, ownerID string) *UserInfo {
	if s.users == nil {
		return &UserInfo{ID: ownerID, Timezone: "UTC"}
	}
	u, err := s.users.GetUserInfo(ctx, ownerID)
	if err != nil || u == nil {
		return &UserInfo{ID: ownerID, Timezone: "UTC"}
	}
	return u
}
