package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// scheduleBuckets maps a cadence bucket to its interval in minutes.
var scheduleBuckets = map[string]int{
	"5min":   5,
	"15min":  15,
	"30min":  30,
	"1hr":    60,
	"6hr":    360,
	"daily":  1440,
	"weekly": 10080,
}

// dispatchWindow is the width of the time-of-day gate; the scheduler fires
// every 5 minutes and a daily/weekly automation runs in the window that
// contains its target minute.
const dispatchWindow = 5

// intervalSafetyBuffer keeps a late-finishing batch from pushing the next
// run past its slot (alternating-day drift on daily schedules).
const intervalSafetyBuffer = 10 * time.Minute

// Trigger types that count as scheduled executions when checking recency.
// "schedule" is the legacy alias still present in old log rows.
var scheduledLogTypes = []string{"schedule", models.TriggerScheduleOnce, models.TriggerScheduleRecurring}

// ScheduleRunSummary aggregates one scheduler tick.
type ScheduleRunSummary struct {
	Interval   string   `json:"interval"`
	Checked    int      `json:"checked"`
	Dispatched int      `json:"dispatched"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// ScheduledRun is one row of the introspection listing.
type ScheduledRun struct {
	AutomationID string     `json:"automation_id"`
	Name         string     `json:"name"`
	OwnerID      string     `json:"owner_id"`
	Interval     string     `json:"interval"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	IsOverdue    bool       `json:"is_overdue"`
}

// SchedulerService finds due scheduled automations per cadence bucket and
// dispatches them through the executor.
type SchedulerService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	executor *Executor
	tracer   trace.Tracer
	now      func() time.Time

	batchSize  int
	batchDelay time.Duration
}

func NewSchedulerService(db *gorm.DB, logger *logrus.Logger, executor *Executor) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:         db,
		logger:     logger,
		executor:   executor,
		tracer:     otel.Tracer("triggerflow/scheduler"),
		now:        time.Now,
		batchSize:  5,
		batchDelay: time.Second,
	}
}

// RunBucket dispatches every due automation in one cadence bucket. The
// "once" bucket handles one-time schedules; the others handle recurring.
func (s *SchedulerService) RunBucket(ctx context.Context, interval string) (*ScheduleRunSummary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	if interval == "once" {
		return s.runOnce(ctx)
	}
	if _, ok := scheduleBuckets[interval]; !ok {
		return nil, fmt.Errorf("unknown schedule interval: %s", interval)
	}

	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("active = ? AND trigger_type = ?", true, models.TriggerScheduleRecurring).
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("select scheduled automations: %w", err)
	}

	summary := &ScheduleRunSummary{Interval: interval}
	var due []models.Automation
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil || tc.Interval != interval {
			continue
		}
		summary.Checked++
		if s.isDue(ctx, &automations[i], tc) {
			due = append(due, automations[i])
		} else {
			summary.Skipped++
		}
	}

	s.dispatchBatches(ctx, due, summary, nil)
	return summary, nil
}

// runOnce dispatches one-time schedules whose run_at has passed and
// deactivates each after a successful dispatch.
func (s *SchedulerService) runOnce(ctx context.Context) (*ScheduleRunSummary, error) {
	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("active = ? AND trigger_type = ?", true, models.TriggerScheduleOnce).
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("select one-time automations: %w", err)
	}

	summary := &ScheduleRunSummary{Interval: "once"}
	var due []models.Automation
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil {
			continue
		}
		summary.Checked++
		runAt, err := parseRunAt(tc.RunAt)
		if err != nil {
			s.logger.Warnf("automation %s has unparseable run_at %q: %v", automations[i].ID, tc.RunAt, err)
			summary.Skipped++
			continue
		}
		if runAt.After(s.now()) {
			summary.Skipped++
			continue
		}
		due = append(due, automations[i])
	}

	s.dispatchBatches(ctx, due, summary, func(automation *models.Automation, result *ExecutionResult) {
		if result == nil || !dispatchSucceeded(result) {
			return
		}
		if err := s.db.WithContext(ctx).Model(&models.Automation{}).
			Where("id = ?", automation.ID).
			Update("active", false).Error; err != nil {
			s.logger.Warnf("deactivating one-time automation %s failed: %v", automation.ID, err)
		}
	})
	return summary, nil
}

// dispatchSucceeded is deliberately loose: partial failures still count as a
// completed dispatch for one-time deactivation.
func dispatchSucceeded(result *ExecutionResult) bool {
	return result.Status == StatusCompleted || result.Status == StatusPartialFailure
}

func (s *SchedulerService) dispatchBatches(ctx context.Context, due []models.Automation, summary *ScheduleRunSummary, after func(*models.Automation, *ExecutionResult)) {
	for start := 0; start < len(due); start += s.batchSize {
		end := start + s.batchSize
		if end > len(due) {
			end = len(due)
		}
		for i := start; i < end; i++ {
			automation := due[i]
			trigger := map[string]any{
				"scheduled_time": s.now().UTC().Format(time.RFC3339),
				"trigger":        "schedule",
			}
			result, err := s.executor.Execute(ctx, &automation, trigger, nil)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", automation.ID, err))
				s.logger.Errorf("scheduled dispatch of %s failed: %v", automation.ID, err)
				continue
			}
			summary.Dispatched++
			if after != nil {
				after(&automation, result)
			}
		}
		if end < len(due) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.batchDelay):
			}
		}
	}
}

// isDue applies the three dueness rules: the interval cutoff with its
// safety buffer, the 5-minute time-of-day window, and the weekly day gate.
func (s *SchedulerService) isDue(ctx context.Context, automation *models.Automation, tc *models.TriggerConfig) bool {
	now := s.now().UTC()
	intervalMinutes := scheduleBuckets[tc.Interval]

	lastRun := s.lastScheduledRun(ctx, automation.ID)
	if lastRun != nil {
		cutoff := now.Add(-time.Duration(intervalMinutes)*time.Minute + intervalSafetyBuffer)
		if !lastRun.Before(cutoff) {
			return false
		}
	}

	if tc.Interval == "daily" || tc.Interval == "weekly" {
		if tc.TimeOfDay != "" && !inDispatchWindow(tc.TimeOfDay, now) {
			return false
		}
	}
	if tc.Interval == "weekly" {
		if !dayMatches(tc.DayOfWeek, now) {
			return false
		}
	}
	return true
}

// lastScheduledRun returns the start time of the most recent scheduled
// execution. Manual runs do not block scheduling.
func (s *SchedulerService) lastScheduledRun(ctx context.Context, automationID string) *time.Time {
	var log models.ExecutionLog
	err := s.db.WithContext(ctx).
		Where("automation_id = ? AND trigger_type IN ?", automationID, scheduledLogTypes).
		Order("started_at DESC").
		First(&log).Error
	if err != nil {
		return nil
	}
	t := log.StartedAt
	return &t
}

// inDispatchWindow reports whether the HH:MM target (UTC) falls inside the
// current 5-minute window.
func inDispatchWindow(timeOfDay string, now time.Time) bool {
	target, err := parseMinuteOfDay(timeOfDay)
	if err != nil {
		logrus.Warnf("unparseable time_of_day %q: %v", timeOfDay, err)
		return false
	}
	nowMinute := now.Hour()*60 + now.Minute()
	windowStart := (nowMinute / dispatchWindow) * dispatchWindow
	return target >= windowStart && target < windowStart+dispatchWindow
}

func parseMinuteOfDay(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}

var dayNames = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// dayMatches checks the weekly day gate (UTC, Sunday=0). Day names are
// accepted case-insensitively; an absent target matches any day.
func dayMatches(target any, now time.Time) bool {
	if target == nil {
		return true
	}
	want := -1
	switch v := target.(type) {
	case float64:
		want = int(v)
	case int:
		want = v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			want = n
		} else if n, ok := dayNames[strings.ToLower(strings.TrimSpace(v))]; ok {
			want = n
		}
	}
	if want < 0 || want > 6 {
		return false
	}
	return int(now.Weekday()) == want
}

func parseRunAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty run_at")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ScheduledRuns projects the next run time per scheduled automation for UI
// introspection, marking rows whose projection is already in the past.
func (s *SchedulerService) ScheduledRuns(ctx context.Context, interval, userID string, limit int) ([]ScheduledRun, error) {
	q := s.db.WithContext(ctx).
		Where("active = ? AND trigger_type IN ?", true, []string{models.TriggerScheduleOnce, models.TriggerScheduleRecurring})
	if userID != "" {
		q = q.Where("owner_id = ?", userID)
	}
	var automations []models.Automation
	if err := q.Find(&automations).Error; err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var runs []ScheduledRun
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil {
			continue
		}
		if interval != "" && tc.Interval != interval {
			continue
		}
		lastRun := s.lastScheduledRun(ctx, automations[i].ID)
		next := projectNextRun(tc, lastRun, now)
		run := ScheduledRun{
			AutomationID: automations[i].ID,
			Name:         automations[i].Name,
			OwnerID:      automations[i].OwnerID,
			Interval:     tc.Interval,
			LastRunAt:    lastRun,
			NextRunAt:    next,
		}
		if next != nil && next.Before(now) {
			run.IsOverdue = true
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, nil
}

// projectNextRun applies the time-of-day and day-of-week rules forward to
// the next matching slot.
func projectNextRun(tc *models.TriggerConfig, lastRun *time.Time, now time.Time) *time.Time {
	if tc.Interval == "once" || tc.RunAt != "" {
		if t, err := parseRunAt(tc.RunAt); err == nil {
			return &t
		}
		return nil
	}

	intervalMinutes, ok := scheduleBuckets[tc.Interval]
	if !ok {
		return nil
	}

	base := now
	if lastRun != nil {
		base = lastRun.Add(time.Duration(intervalMinutes) * time.Minute)
	}

	if tc.Interval != "daily" && tc.Interval != "weekly" {
		if base.Before(now) && lastRun == nil {
			base = now
		}
		return &base
	}

	// Anchor daily/weekly projections to the configured time of day.
	minute := 0
	if tc.TimeOfDay != "" {
		if m, err := parseMinuteOfDay(tc.TimeOfDay); err == nil {
			minute = m
		}
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), minute/60, minute%60, 0, 0, time.UTC)
	if lastRun != nil && !candidate.After(*lastRun) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for i := 0; i < 8; i++ {
		if tc.Interval == "weekly" && !dayMatches(tc.DayOfWeek, candidate) {
			candidate = candidate.AddDate(0, 0, 1)
			continue
		}
		break
	}
	return &candidate
}
