package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// maxDispatchRetries bounds redelivery of an event that keeps failing.
const maxDispatchRetries = 3

// DispatchSummary aggregates one dispatcher tick.
type DispatchSummary struct {
	Claimed   int `json:"claimed"`
	Executed  int `json:"executed"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
}

// DispatcherService claims unprocessed events, resolves each to the
// automation records it should run, and invokes the executor per match. The
// queue is claim-based, not strictly FIFO; ordering between events is
// best-effort.
type DispatcherService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	queue    *EventQueueService
	executor *Executor
	tracer   trace.Tracer
	now      func() time.Time
}

func NewDispatcherService(db *gorm.DB, logger *logrus.Logger, queue *EventQueueService, executor *Executor) *DispatcherService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatcherService{
		db:       db,
		logger:   logger,
		queue:    queue,
		executor: executor,
		tracer:   otel.Tracer("triggerflow/dispatcher"),
		now:      time.Now,
	}
}

// DispatchPending drains up to limit queued events.
func (s *DispatcherService) DispatchPending(ctx context.Context, limit int) (*DispatchSummary, error) {
	ctx, span := s.tracer.Start(ctx, "dispatcher.run")
	defer span.End()

	events, err := s.queue.ClaimPending(ctx, limit)
	if err != nil {
		return nil, err
	}

	summary := &DispatchSummary{Claimed: len(events)}
	for i := range events {
		s.dispatchEvent(ctx, &events[i], summary)
	}
	return summary, nil
}

func (s *DispatcherService) dispatchEvent(ctx context.Context, event *models.Event, summary *DispatchSummary) {
	var payload any
	if event.EventData != "" {
		if err := json.Unmarshal([]byte(event.EventData), &payload); err != nil {
			s.logger.Warnf("event %s has undecodable payload, consuming: %v", event.ID, err)
			s.finish(ctx, event)
			return
		}
	}

	matches := s.matchAutomations(ctx, event, payload)
	if len(matches) == 0 {
		summary.Unmatched++
		s.finish(ctx, event)
		return
	}

	anyFailed := false
	for i := range matches {
		result, err := s.executor.Execute(ctx, &matches[i], payload, nil)
		if err != nil {
			anyFailed = true
			s.logger.Errorf("dispatch of event %s to automation %s failed: %v", event.ID, matches[i].ID, err)
			continue
		}
		summary.Executed++
		metrics.IncExecution(result.Status)
	}

	if anyFailed {
		summary.Failed++
		metrics.IncDispatch("failed")
		if event.RetryCount+1 >= maxDispatchRetries {
			s.logger.Warnf("event %s exhausted retries, consuming", event.ID)
			s.finish(ctx, event)
		} else if err := s.queue.BumpRetry(ctx, event.ID); err != nil {
			s.logger.Warnf("bumping retry for event %s failed: %v", event.ID, err)
		}
		return
	}
	metrics.IncDispatch("ok")
	s.finish(ctx, event)
}

func (s *DispatcherService) finish(ctx context.Context, event *models.Event) {
	if err := s.queue.MarkProcessed(ctx, event.ID); err != nil {
		s.logger.Warnf("marking event %s processed failed: %v", event.ID, err)
	}
}

// matchAutomations resolves an event to the automations it should run.
// Poll-produced object payloads carry their automation_id and dispatch
// directly; latest-mode array payloads carry none and, like webhook events,
// match on service + event type, re-checking each
// automation's own filter so one automation's pass does not run another's
// actions.
func (s *DispatcherService) matchAutomations(ctx context.Context, event *models.Event, payload any) []models.Automation {
	if obj, ok := payload.(map[string]any); ok {
		if id := stringify(obj["automation_id"]); id != "" {
			var automation models.Automation
			err := s.db.WithContext(ctx).
				Where("id = ? AND active = ?", id, true).
				First(&automation).Error
			if err != nil {
				s.logger.Debugf("event %s targets inactive or missing automation %s", event.ID, id)
				return nil
			}
			return []models.Automation{automation}
		}
	}

	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND active = ? AND trigger_type IN ?",
			event.OwnerID, true, []string{models.TriggerWebhook, models.TriggerPolling}).
		Find(&automations).Error
	if err != nil {
		s.logger.Warnf("loading automations for event %s failed: %v", event.ID, err)
		return nil
	}

	wrapped := map[string]any{"trigger_data": payload}
	var matches []models.Automation
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil {
			continue
		}
		if !strings.EqualFold(tc.Service, event.Service) {
			continue
		}
		if !tc.MatchesEventType(event.EventType) {
			continue
		}
		if filter := tc.FilterCondition(); filter != nil && !EvaluateCondition(filter, wrapped, s.now()) {
			continue
		}
		matches = append(matches, automations[i])
	}
	return matches
}
