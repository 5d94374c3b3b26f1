package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrTenantNotResolved means no integration matched the payload's workspace;
// the user needs to connect the service first.
var ErrTenantNotResolved = errors.New("no connected integration for this workspace")

// GmailHistoryClient fetches the Gmail history delta. A notification only
// carries a history id, so the ingress must ask Gmail whether new messages
// actually exist.
type GmailHistoryClient interface {
	// ListNewMessageIDs returns the ids of messages added since
	// startHistoryID, plus Gmail's latest history id.
	ListNewMessageIDs(ctx context.Context, ownerID, startHistoryID string) ([]string, string, error)
}

// HTTPGmailHistoryClient calls the Gmail history API with the owner's
// access token.
type HTTPGmailHistoryClient struct {
	creds   *CredentialStore
	client  *http.Client
	baseURL string
}

func NewHTTPGmailHistoryClient(creds *CredentialStore) *HTTPGmailHistoryClient {
	return &HTTPGmailHistoryClient{
		creds:   creds,
		baseURL: "https://gmail.googleapis.com/gmail/v1",
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPGmailHistoryClient) ListNewMessageIDs(ctx context.Context, ownerID, startHistoryID string) ([]string, string, error) {
	token, err := c.creds.GetAccessToken(ctx, ownerID, "gmail")
	if err != nil {
		return nil, "", fmt.Errorf("gmail credential: %w", err)
	}

	url := fmt.Sprintf("%s/users/me/history?startHistoryId=%s&historyTypes=messageAdded", c.baseURL, startHistoryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("gmail history returned %d", resp.StatusCode)
	}

	var body struct {
		HistoryID string `json:"historyId"`
		History   []struct {
			MessagesAdded []struct {
				Message struct {
					ID       string   `json:"id"`
					LabelIDs []string `json:"labelIds"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
	}
	if err := decodeJSONBody(resp, &body); err != nil {
		return nil, "", err
	}

	var ids []string
	for _, h := range body.History {
		for _, ma := range h.MessagesAdded {
			// Drafts and sent mail also produce messageAdded entries.
			if inList(ma.Message.LabelIDs, "DRAFT") || inList(ma.Message.LabelIDs, "SENT") {
				continue
			}
			ids = append(ids, ma.Message.ID)
		}
	}
	return ids, body.HistoryID, nil
}

// IngressSummary is the handler-facing outcome of one webhook request.
type IngressSummary struct {
	Received     int  `json:"received"`
	Enqueued     int  `json:"enqueued"`
	Filtered     bool `json:"filtered"`
	Deduplicated int  `json:"deduplicated,omitempty"`
}

// WebhookIngressService turns verified, parsed webhook notifications into
// queued events: tenant resolution, service-specific filtering, the
// automation-side filter, then enqueue. It never blocks on downstream work.
type WebhookIngressService struct {
	db     *gorm.DB
	logger *logrus.Logger
	queue  *EventQueueService
	creds  *CredentialStore
	gmail  GmailHistoryClient
	feed   *FeedHub
	tracer trace.Tracer
	now    func() time.Time
}

func NewWebhookIngressService(db *gorm.DB, logger *logrus.Logger, queue *EventQueueService, creds *CredentialStore) *WebhookIngressService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookIngressService{
		db:     db,
		logger: logger,
		queue:  queue,
		creds:  creds,
		tracer: otel.Tracer("triggerflow/webhook"),
		now:    time.Now,
	}
}

// SetGmailClient injects the Gmail history delta client.
func (s *WebhookIngressService) SetGmailClient(c GmailHistoryClient) { s.gmail = c }

// SetFeed attaches the live activity feed.
func (s *WebhookIngressService) SetFeed(feed *FeedHub) { s.feed = feed }

// Process runs the ingress sequence for every notification in the request.
func (s *WebhookIngressService) Process(ctx context.Context, service string, parsed []ParsedEvent) (*IngressSummary, error) {
	ctx, span := s.tracer.Start(ctx, "webhook.process")
	defer span.End()

	summary := &IngressSummary{Received: len(parsed)}

	for _, pe := range parsed {
		ownerID := pe.OwnerID
		if ownerID == "" {
			resolved, err := s.creds.ResolveTenant(ctx, pe.Service, pe.WorkspaceID)
			if err != nil {
				s.logger.Warnf("tenant resolution failed for %s workspace %q: %v", pe.Service, pe.WorkspaceID, err)
				return summary, ErrTenantNotResolved
			}
			ownerID = resolved
		}

		// Flag and read-state churn on Outlook is noise; only created
		// messages propagate.
		if strings.EqualFold(pe.Service, "outlook") {
			if ct, _ := pe.Data["change_type"].(string); strings.EqualFold(ct, "updated") {
				s.logger.Debugf("dropping outlook %s notification", ct)
				continue
			}
		}

		if strings.EqualFold(pe.Service, "gmail") {
			s.processGmail(ctx, ownerID, pe, summary)
			continue
		}

		s.enqueueFiltered(ctx, ownerID, pe.Service, pe.EventType, pe.EventID, pe.Data, summary)
	}

	summary.Filtered = summary.Enqueued == 0
	metrics.IncWebhook(service, summary.Enqueued)
	if s.feed != nil && summary.Received > 0 {
		s.feed.BroadcastActivity("webhook", "", map[string]any{
			"service":  service,
			"received": summary.Received,
			"enqueued": summary.Enqueued,
		})
	}
	return summary, nil
}

// processGmail resolves the history delta before enqueueing: a notification
// with no new inbox messages only advances the stored cursor. A failed delta
// call degrades to enqueue-through so no mail is lost.
func (s *WebhookIngressService) processGmail(ctx context.Context, ownerID string, pe ParsedEvent, summary *IngressSummary) {
	historyID, _ := pe.Data["history_id"].(string)

	startCursor := historyID
	if integration, err := s.creds.GetIntegration(ctx, ownerID, "gmail"); err == nil && integration.WebhookCursor != "" {
		startCursor = integration.WebhookCursor
	}

	if s.gmail == nil {
		s.enqueueFiltered(ctx, ownerID, pe.Service, pe.EventType, pe.EventID, pe.Data, summary)
		return
	}

	messageIDs, latest, err := s.gmail.ListNewMessageIDs(ctx, ownerID, startCursor)
	if err != nil {
		s.logger.Warnf("gmail history delta failed for %s: %v, enqueueing through", ownerID, err)
		s.enqueueFiltered(ctx, ownerID, pe.Service, pe.EventType, pe.EventID, pe.Data, summary)
		return
	}

	for _, id := range messageIDs {
		data := map[string]any{
			"email_address": pe.Data["email_address"],
			"history_id":    historyID,
			"message_id":    id,
		}
		// The message id is the dedup key, so a replayed notification cannot
		// double-enqueue the same mail.
		s.enqueueFiltered(ctx, ownerID, pe.Service, pe.EventType, id, data, summary)
	}

	cursor := latest
	if cursor == "" {
		cursor = historyID
	}
	if err := s.creds.UpdateWebhookCursor(ctx, ownerID, "gmail", cursor); err != nil {
		s.logger.Warnf("advancing gmail cursor failed for %s: %v", ownerID, err)
	}
}

// enqueueFiltered applies the automation-side filter, then enqueues. The
// default is loss-free: the event is admitted when at least one matching
// automation passes its filter, or when no automations match at all.
func (s *WebhookIngressService) enqueueFiltered(ctx context.Context, ownerID, service, eventType, eventID string, data map[string]any, summary *IngressSummary) {
	if !s.shouldEnqueue(ctx, ownerID, service, eventType, data) {
		s.logger.Debugf("event %s/%s filtered out by automation filters", service, eventID)
		return
	}
	_, inserted, err := s.queue.Enqueue(ctx, ownerID, service, eventType, eventID, data)
	if err != nil {
		s.logger.Errorf("enqueue %s/%s failed: %v", service, eventID, err)
		return
	}
	if inserted {
		summary.Enqueued++
	} else {
		summary.Deduplicated++
	}
}

func (s *WebhookIngressService) shouldEnqueue(ctx context.Context, ownerID, service, eventType string, data map[string]any) bool {
	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND active = ? AND trigger_type = ?", ownerID, true, models.TriggerWebhook).
		Find(&automations).Error
	if err != nil {
		s.logger.Warnf("loading webhook automations failed: %v", err)
		return true
	}

	matched := 0
	wrapped := map[string]any{"trigger_data": data}
	for i := range automations {
		tc, err := automations[i].ParseTriggerConfig()
		if err != nil {
			s.logger.Warnf("bad trigger config on automation %s: %v", automations[i].ID, err)
			continue
		}
		if !strings.EqualFold(tc.Service, service) {
			continue
		}
		if !tc.MatchesEventType(eventType) {
			continue
		}
		matched++
		filter := tc.FilterCondition()
		if filter == nil || EvaluateCondition(filter, wrapped, s.now()) {
			return true
		}
	}
	// No automation matched: keep the event, an automation may be confirmed
	// moments later.
	return matched == 0
}
