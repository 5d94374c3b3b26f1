package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// refreshBuffer is how close to expiry a token gets refreshed.
const refreshBuffer = 5 * time.Minute

// TokenRefresher exchanges a refresh token for a new access/refresh pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, service, refreshToken string) (access, refresh string, expiresAt time.Time, err error)
}

// OAuthEndpoint is one service's token endpoint configuration.
type OAuthEndpoint struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// HTTPTokenRefresher performs standard refresh_token grants against
// per-service token endpoints.
type HTTPTokenRefresher struct {
	endpoints map[string]OAuthEndpoint
	client    *http.Client
}

func NewHTTPTokenRefresher(endpoints map[string]OAuthEndpoint) *HTTPTokenRefresher {
	return &HTTPTokenRefresher{
		endpoints: endpoints,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (r *HTTPTokenRefresher) Refresh(ctx context.Context, service, refreshToken string) (string, string, time.Time, error) {
	ep, ok := r.endpoints[strings.ToLower(service)]
	if !ok || ep.TokenURL == "" {
		return "", "", time.Time{}, fmt.Errorf("no token endpoint configured for %s", service)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", ep.ClientID)
	form.Set("client_secret", ep.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := decodeJSONBody(resp, &body); err != nil {
		return "", "", time.Time{}, err
	}
	if body.RefreshToken == "" {
		body.RefreshToken = refreshToken
	}
	expiresAt := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return body.AccessToken, body.RefreshToken, expiresAt, nil
}

// CredentialStore resolves integrations and keeps access tokens fresh.
// Refreshes are serialized per (owner, service) with double-checked expiry so
// concurrent expired-token discoveries do not race. A failed refresh returns
// the stale token; the downstream tool call surfaces the auth error.
type CredentialStore struct {
	db        *gorm.DB
	logger    *logrus.Logger
	refresher TokenRefresher
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCredentialStore(db *gorm.DB, logger *logrus.Logger, refresher TokenRefresher) *CredentialStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &CredentialStore{
		db:        db,
		logger:    logger,
		refresher: refresher,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// ResolveTenant maps an external workspace identifier to the owning user.
// When a workspace is shared across owners, the oldest integration wins,
// deterministically.
func (s *CredentialStore) ResolveTenant(ctx context.Context, service, workspaceID string) (string, error) {
	if workspaceID == "" {
		return "", fmt.Errorf("empty workspace id for %s", service)
	}
	var integration models.Integration
	err := s.db.WithContext(ctx).
		Where("LOWER(service) = ? AND workspace_id = ?", strings.ToLower(service), workspaceID).
		Order("created_at ASC").
		First(&integration).Error
	if err != nil {
		return "", fmt.Errorf("no integration for %s workspace %s: %w", service, workspaceID, err)
	}
	return integration.OwnerID, nil
}

// GetIntegration returns the integration row for (owner, service).
func (s *CredentialStore) GetIntegration(ctx context.Context, ownerID, service string) (*models.Integration, error) {
	var integration models.Integration
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND LOWER(service) = ?", ownerID, strings.ToLower(service)).
		First(&integration).Error
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

// GetAccessToken returns a usable access token for (owner, service),
// refreshing lazily when expiry is within the buffer.
func (s *CredentialStore) GetAccessToken(ctx context.Context, ownerID, service string) (string, error) {
	integration, err := s.GetIntegration(ctx, ownerID, service)
	if err != nil {
		return "", err
	}
	if !s.needsRefresh(integration) {
		return integration.AccessToken, nil
	}

	lock := s.lockFor(ownerID, service)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another goroutine may have refreshed already.
	integration, err = s.GetIntegration(ctx, ownerID, service)
	if err != nil {
		return "", err
	}
	if !s.needsRefresh(integration) {
		return integration.AccessToken, nil
	}

	if s.refresher == nil || integration.RefreshToken == "" {
		return integration.AccessToken, nil
	}

	access, refresh, expiresAt, err := s.refresher.Refresh(ctx, service, integration.RefreshToken)
	if err != nil {
		s.logger.Warnf("token refresh failed for %s/%s: %v, passing stale token through", ownerID, service, err)
		return integration.AccessToken, nil
	}

	updates := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_at":    expiresAt,
	}
	if err := s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ?", integration.ID).
		Updates(updates).Error; err != nil {
		s.logger.Warnf("persisting refreshed token failed for %s/%s: %v", ownerID, service, err)
	}
	return access, nil
}

// UpdateWebhookCursor stores per-service ingress state such as the Gmail
// history id.
func (s *CredentialStore) UpdateWebhookCursor(ctx context.Context, ownerID, service, cursor string) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("owner_id = ? AND LOWER(service) = ?", ownerID, strings.ToLower(service)).
		Update("webhook_cursor", cursor).Error
}

func (s *CredentialStore) needsRefresh(integration *models.Integration) bool {
	if integration.ExpiresAt == nil {
		return false
	}
	return integration.ExpiresAt.Before(s.now().Add(refreshBuffer))
}

func decodeJSONBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func (s *CredentialStore) lockFor(ownerID, service string) *sync.Mutex {
	key := ownerID + "/" + strings.ToLower(service)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}
