package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler is the multi-tenant ingress: one endpoint per service, no
// per-user URLs. Protocol handshakes precede all other logic; signature
// failures are 401, parse failures 400, everything received-and-filtered
// is 2xx.
type WebhookHandler struct {
	ingress *services.WebhookIngressService
	secrets services.WebhookSecrets
	logger  *logrus.Logger
}

func NewWebhookHandler(ingress *services.WebhookIngressService, secrets services.WebhookSecrets, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{ingress: ingress, secrets: secrets, logger: logger}
}

// Verify answers subscription-verification GETs (Fitbit).
func (h *WebhookHandler) Verify(c *gin.Context) {
	service := strings.ToLower(c.Param("service"))
	if service == "fitbit" {
		if c.Query("verify") == h.secrets["fitbit_verify"] && h.secrets["fitbit_verify"] != "" {
			c.Status(http.StatusNoContent)
			return
		}
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusMethodNotAllowed)
}

// Receive handles webhook POSTs for every service.
func (h *WebhookHandler) Receive(c *gin.Context) {
	service := strings.ToLower(c.Param("service"))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unreadable body", Message: err.Error()})
		return
	}

	if h.handshake(c, service, body) {
		return
	}

	if err := services.VerifyWebhookSignature(service, c.Request, body, h.secrets); err != nil {
		h.logger.Warnf("webhook %s signature rejected: %v", service, err)
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Signature verification failed", Message: err.Error()})
		return
	}

	if service == "google_calendar" || service == "google" {
		body = googleCalendarBody(c)
	}

	parsed, err := services.ParseWebhookPayload(service, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unparseable payload", Message: err.Error()})
		return
	}

	summary, err := h.ingress.Process(c.Request.Context(), service, parsed)
	if err != nil {
		if errors.Is(err, services.ErrTenantNotResolved) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Unknown workspace",
				Message: "connect the service before sending webhooks",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Ingress failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handshake answers the per-service protocol handshakes. Returns true when
// the request was a handshake and has been answered.
func (h *WebhookHandler) handshake(c *gin.Context, service string, body []byte) bool {
	switch service {
	case "microsoft", "outlook":
		// Graph subscription validation echoes the token as text/plain.
		if token := c.Query("validationToken"); token != "" {
			c.String(http.StatusOK, token)
			return true
		}
	case "slack":
		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.Type == "url_verification" {
			c.String(http.StatusOK, probe.Challenge)
			return true
		}
	case "notion":
		var probe struct {
			VerificationToken string `json:"verification_token"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.VerificationToken != "" {
			// Surface the token so the operator can copy it into Notion.
			h.logger.Infof("notion verification token received: %s", probe.VerificationToken)
			c.JSON(http.StatusOK, gin.H{"verification_token": probe.VerificationToken})
			return true
		}
	}
	return false
}

// googleCalendarBody lifts the push-notification channel headers into a body
// object, since Calendar sends an empty body.
func googleCalendarBody(c *gin.Context) []byte {
	payload := map[string]string{
		"channel_id":     c.GetHeader("X-Goog-Channel-ID"),
		"channel_token":  c.GetHeader("X-Goog-Channel-Token"),
		"resource_id":    c.GetHeader("X-Goog-Resource-ID"),
		"resource_state": c.GetHeader("X-Goog-Resource-State"),
		"message_number": c.GetHeader("X-Goog-Message-Number"),
	}
	b, _ := json.Marshal(payload)
	return b
}

// RegisterWebhookRoutes mounts the ingress endpoints.
func RegisterWebhookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	r.GET("/webhooks/:service", handler.Verify)
	r.POST("/webhooks/:service", handler.Receive)
}
