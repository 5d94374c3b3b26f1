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
	"gorm.io/gorm/clause"
)

// EventQueueService is the durable, deduplicated store of inbound events
// awaiting dispatch. (service, event_id, owner_id) is the uniqueness key;
// inserting a duplicate is swallowed and reported as success. The queue
// holds events until the dispatcher claims them; it never runs automations
// itself.
type EventQueueService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewEventQueueService(db *gorm.DB, logger *logrus.Logger) *EventQueueService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventQueueService{db: db, logger: logger, now: time.Now}
}

// Enqueue inserts an event, deduplicating on the unique key. Returns the
// stored event and whether it was newly inserted.
func (s *EventQueueService) Enqueue(ctx context.Context, ownerID, service, eventType, eventID string, data any) (*models.Event, bool, error) {
	payload, err := encodeEventData(data)
	if err != nil {
		return nil, false, fmt.Errorf("encode event data: %w", err)
	}

	event := &models.Event{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Service:   service,
		EventType: eventType,
		EventID:   eventID,
		EventData: payload,
		CreatedAt: s.now(),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}, {Name: "event_id"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		s.logger.Debugf("duplicate event squashed: %s/%s owner=%s", service, eventID, ownerID)
		return event, false, nil
	}
	return event, true, nil
}

// ClaimPending returns up to limit unprocessed events, oldest first.
func (s *EventQueueService) ClaimPending(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkProcessed flags an event as consumed.
func (s *EventQueueService) MarkProcessed(ctx context.Context, eventID string) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"processed": true, "processed_at": now}).Error
}

// BumpRetry increments the retry counter after a failed dispatch.
func (s *EventQueueService) BumpRetry(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", eventID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// encodeEventData serializes a payload for storage. Non-object payloads keep
// their top-level shape: arrays stay arrays, primitives become
// {message} so the executor always sees decodable JSON.
func encodeEventData(data any) (string, error) {
	switch data.(type) {
	case nil:
		return "{}", nil
	case map[string]any, []any:
		b, err := json.Marshal(data)
		return string(b), err
	default:
		b, err := json.Marshal(map[string]any{"message": data})
		return string(b), err
	}
}
