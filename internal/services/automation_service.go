package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"triggerflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationService owns automation records and their lifecycle: created by
// the agent in pending_review, confirmed by the user to active, paused or
// disabled from there.
type AutomationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	registry ToolRegistry
	now      func() time.Time
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, registry ToolRegistry) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{db: db, logger: logger, registry: registry, now: time.Now}
}

// AutomationRequest is the create/update payload.
type AutomationRequest struct {
	Name          string          `json:"name" binding:"required"`
	TriggerType   string          `json:"trigger_type" binding:"required"`
	TriggerConfig map[string]any  `json:"trigger_config"`
	Actions       json.RawMessage `json:"actions"`
	Variables     map[string]any  `json:"variables"`
}

// List returns the owner's automations, optionally filtered by status.
func (s *AutomationService) List(ctx context.Context, ownerID, status string) ([]models.Automation, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var automations []models.Automation
	if err := q.Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

// Get returns one automation, enforcing ownership.
func (s *AutomationService) Get(ctx context.Context, id, ownerID string) (*models.Automation, error) {
	var automation models.Automation
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&automation).Error
	if err != nil {
		return nil, err
	}
	return &automation, nil
}

// Create validates and stores a new automation in pending_review.
func (s *AutomationService) Create(ctx context.Context, ownerID string, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}

	automation := &models.Automation{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        req.Name,
		Status:      models.StatusPendingReview,
		Active:      false,
		TriggerType: req.TriggerType,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.applyPayload(automation, req); err != nil {
		return nil, err
	}

	if errs := ValidateAutomation(ctx, automation, s.registry); len(errs) > 0 {
		return nil, fmt.Errorf("automation invalid: %v", errs)
	}

	if err := s.db.WithContext(ctx).Create(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

// Update rewrites an automation's definition. Updating puts the record back
// into pending_review until reconfirmed.
func (s *AutomationService) Update(ctx context.Context, id, ownerID string, req *AutomationRequest) (*models.Automation, error) {
	automation, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		automation.Name = req.Name
	}
	if req.TriggerType != "" {
		automation.TriggerType = req.TriggerType
	}
	if err := s.applyPayload(automation, req); err != nil {
		return nil, err
	}
	automation.Status = models.StatusPendingReview
	automation.Active = false
	automation.UpdatedAt = s.now()

	if errs := ValidateAutomation(ctx, automation, s.registry); len(errs) > 0 {
		return nil, fmt.Errorf("automation invalid: %v", errs)
	}
	if err := s.db.WithContext(ctx).Save(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

func (s *AutomationService) applyPayload(automation *models.Automation, req *AutomationRequest) error {
	if req.TriggerConfig != nil {
		b, err := json.Marshal(req.TriggerConfig)
		if err != nil {
			return fmt.Errorf("invalid trigger_config: %w", err)
		}
		automation.TriggerConfig = string(b)
	}
	if len(req.Actions) > 0 {
		var actions []models.Action
		if err := json.Unmarshal(req.Actions, &actions); err != nil {
			return fmt.Errorf("invalid actions: %w", err)
		}
		automation.Actions = string(req.Actions)
	}
	if req.Variables != nil {
		b, err := json.Marshal(req.Variables)
		if err != nil {
			return fmt.Errorf("invalid variables: %w", err)
		}
		automation.Variables = string(b)
	}

	if automation.TriggerType == models.TriggerPolling {
		tc, err := automation.ParseTriggerConfig()
		if err == nil && tc.PollingIntervalMinutes > 0 {
			automation.PollingIntervalMinutes = tc.PollingIntervalMinutes
		}
	}
	return nil
}

// Confirm moves a pending automation to active. Polling automations become
// due immediately.
func (s *AutomationService) Confirm(ctx context.Context, id, ownerID string) (*models.Automation, error) {
	automation, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	updates := map[string]any{
		"status":     models.StatusActive,
		"active":     true,
		"updated_at": now,
	}
	if automation.TriggerType == models.TriggerPolling && automation.NextPollAt == nil {
		updates["next_poll_at"] = now
	}
	if err := s.db.WithContext(ctx).Model(automation).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, id, ownerID)
}

// Pause deactivates an automation; it disappears from every selection cycle
// on the next tick.
func (s *AutomationService) Pause(ctx context.Context, id, ownerID string) (*models.Automation, error) {
	automation, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"status":     models.StatusPaused,
		"active":     false,
		"updated_at": s.now(),
	}
	if err := s.db.WithContext(ctx).Model(automation).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, id, ownerID)
}

// Delete removes an automation.
func (s *AutomationService) Delete(ctx context.Context, id, ownerID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Delete(&models.Automation{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("automation not found")
	}
	return nil
}

// ListLogs returns execution logs for one automation, newest first.
func (s *AutomationService) ListLogs(ctx context.Context, automationID, ownerID string, page, pageSize int) ([]models.ExecutionLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.ExecutionLog{}).
		Where("automation_id = ? AND owner_id = ?", automationID, ownerID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []models.ExecutionLog
	err := q.Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error
	return logs, total, err
}
