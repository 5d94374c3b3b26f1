package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func slackSignedRequest(t *testing.T, secret, body string, ts int64) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/slack", nil)
	tsStr := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", tsStr, body)
	r.Header.Set("X-Slack-Request-Timestamp", tsStr)
	r.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return r
}

func TestVerifySlackSignature(t *testing.T) {
	secrets := WebhookSecrets{"slack": "s3cret"}
	body := `{"type":"event_callback"}`

	r := slackSignedRequest(t, "s3cret", body, time.Now().Unix())
	assert.NoError(t, VerifyWebhookSignature("slack", r, []byte(body), secrets))

	// Wrong secret.
	bad := slackSignedRequest(t, "wrong", body, time.Now().Unix())
	assert.Error(t, VerifyWebhookSignature("slack", bad, []byte(body), secrets))

	// Stale timestamp defeats replay.
	stale := slackSignedRequest(t, "s3cret", body, time.Now().Add(-10*time.Minute).Unix())
	assert.Error(t, VerifyWebhookSignature("slack", stale, []byte(body), secrets))

	// Missing headers.
	empty := httptest.NewRequest(http.MethodPost, "/webhooks/slack", nil)
	assert.Error(t, VerifyWebhookSignature("slack", empty, []byte(body), secrets))
}

func TestVerifyGitHubStyleSignature(t *testing.T) {
	secrets := WebhookSecrets{"github": "gh-secret"}
	body := []byte(`{"action":"opened"}`)

	mac := hmac.New(sha256.New, []byte("gh-secret"))
	mac.Write(body)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)
	r.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	assert.NoError(t, VerifyWebhookSignature("github", r, body, secrets))

	r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	assert.Error(t, VerifyWebhookSignature("github", r, body, secrets))
}

func TestVerifyTodoistSignature(t *testing.T) {
	secrets := WebhookSecrets{"todoist": "td-secret"}
	body := []byte(`{"event_name":"item:added"}`)

	mac := hmac.New(sha256.New, []byte("td-secret"))
	mac.Write(body)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/todoist", nil)
	r.Header.Set("X-Todoist-Hmac-SHA256", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	assert.NoError(t, VerifyWebhookSignature("todoist", r, body, secrets))
}

func TestVerifyFitbitSignature(t *testing.T) {
	secrets := WebhookSecrets{"fitbit": "fb-secret"}
	body := []byte(`[{"collectionType":"sleep"}]`)

	mac := hmac.New(sha1.New, []byte("fb-secret&"))
	mac.Write(body)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/fitbit", nil)
	r.Header.Set("X-Fitbit-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	assert.NoError(t, VerifyWebhookSignature("fitbit", r, body, secrets))

	r.Header.Set("X-Fitbit-Signature", "bogus")
	assert.Error(t, VerifyWebhookSignature("fitbit", r, body, secrets))
}

func TestVerify_NoSecretSkips(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/slack", nil)
	assert.NoError(t, VerifyWebhookSignature("slack", r, []byte("{}"), WebhookSecrets{}))
}

func TestVerifyGoogleChannelToken(t *testing.T) {
	secrets := WebhookSecrets{"google_calendar": "chan-token"}

	r := httptest.NewRequest(http.MethodPost, "/webhooks/google_calendar", nil)
	r.Header.Set("X-Goog-Channel-Token", "chan-token")
	assert.NoError(t, VerifyWebhookSignature("google_calendar", r, nil, secrets))

	r.Header.Set("X-Goog-Channel-Token", "wrong")
	assert.Error(t, VerifyWebhookSignature("google_calendar", r, nil, secrets))
}
