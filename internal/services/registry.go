package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UsageLimitError is the error identifier service tools return in their
// output when a usage limit is hit. The executor aborts the run on it.
const UsageLimitError = "USAGE_LIMIT_EXCEEDED"

// Tool is an opaque named callable resolved through the registry.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Returns     string
	Service     string
	Handler     ToolHandler
}

// ToolHandler executes the tool. Implementations must honor the context
// deadline; the executor additionally enforces a per-invocation timeout.
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// ToolRegistry is the engine's view of the external tool catalog.
type ToolRegistry interface {
	// GetByName returns the tool, or nil when unknown.
	GetByName(ctx context.Context, name string) (*Tool, error)
	// List returns all tools, optionally filtered by service.
	List(ctx context.Context, service string) ([]*Tool, error)
	// Execute runs a tool on behalf of an owner and returns its raw output.
	Execute(ctx context.Context, name string, params map[string]any, ownerID string) (any, error)
	// ServiceCategory returns the catalog category for a service
	// (e.g. "Health and Wellness"), or "" when untagged.
	ServiceCategory(ctx context.Context, service string) (string, error)
}

// UserInfo populates the {{user.*}} template variables.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ContextMap returns the user map exposed under the reserved context key.
func (u *UserInfo) ContextMap() map[string]any {
	m := map[string]any{
		"id":       u.ID,
		"email":    u.Email,
		"timezone": u.Timezone,
	}
	if u.Phone != "" {
		m["phone"] = u.Phone
	}
	if u.Name != "" {
		m["name"] = u.Name
	}
	return m
}

// UserProvider resolves owner ids to user profiles.
type UserProvider interface {
	GetUserInfo(ctx context.Context, userID string) (*UserInfo, error)
}

// DBUserProvider reads user profiles from the users table.
type DBUserProvider struct {
	db *gorm.DB
}

func NewDBUserProvider(db *gorm.DB) *DBUserProvider {
	return &DBUserProvider{db: db}
}

func (p *DBUserProvider) GetUserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	var user models.User
	if err := p.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, err
	}
	tz := user.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &UserInfo{
		ID:       user.ID,
		Email:    user.Email,
		Timezone: tz,
		Phone:    user.Phone,
		Name:     user.Name,
	}, nil
}

// NotificationHandler delivers out-of-band alerts. Delivery itself is an
// external concern; the engine only invokes the interface.
type NotificationHandler interface {
	NotifyUsageLimitExceeded(ctx context.Context, userID, automationID, automationName string) error
	NotifyAutomationFailed(ctx context.Context, userID, automationID, automationName, errorSummary string) error
	NotifyCustom(ctx context.Context, userID, title, body string) error
}

// LogNotifier is the default NotificationHandler: it writes notifications to
// the application log. Real delivery channels replace it in wiring.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyUsageLimitExceeded(ctx context.Context, userID, automationID, automationName string) error {
	n.logger.Warnf("notify user %s: usage limit exceeded for automation %s (%s)", userID, automationName, automationID)
	return nil
}

func (n *LogNotifier) NotifyAutomationFailed(ctx context.Context, userID, automationID, automationName, errorSummary string) error {
	n.logger.Warnf("notify user %s: automation %s (%s) failed: %s", userID, automationName, automationID, errorSummary)
	return nil
}

func (n *LogNotifier) NotifyCustom(ctx context.Context, userID, title, body string) error {
	n.logger.Infof("notify user %s: %s - %s", userID, title, body)
	return nil
}

// StaticToolRegistry is a map-backed ToolRegistry. The production catalog
// lives behind RPC in the tool service; this implementation backs wiring,
// operator-registered local tools, and tests.
type StaticToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	categories map[string]string // lowercase service -> category
}

func NewStaticToolRegistry() *StaticToolRegistry {
	return &StaticToolRegistry{
		tools:      make(map[string]*Tool),
		categories: make(map[string]string),
	}
}

// Register adds or replaces a tool.
func (r *StaticToolRegistry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Tag records a service's catalog category.
func (r *StaticToolRegistry) Tag(service, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories[strings.ToLower(service)] = category
}

func (r *StaticToolRegistry) GetByName(ctx context.Context, name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name], nil
}

func (r *StaticToolRegistry) List(ctx context.Context, service string) ([]*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tools []*Tool
	for _, t := range r.tools {
		if service == "" || strings.EqualFold(t.Service, service) {
			tools = append(tools, t)
		}
	}
	return tools, nil
}

func (r *StaticToolRegistry) Execute(ctx context.Context, name string, params map[string]any, ownerID string) (any, error) {
	r.mu.RLock()
	tool := r.tools[name]
	r.mu.RUnlock()
	if tool == nil {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("tool %s has no handler", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	params["user_id"] = ownerID
	return tool.Handler(ctx, params)
}

func (r *StaticToolRegistry) ServiceCategory(ctx context.Context, service string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.categories[strings.ToLower(service)], nil
}

// IsUsageLimitOutput reports whether a tool output carries the usage-limit
// sentinel.
func IsUsageLimitOutput(output any) bool {
	if m, ok := output.(map[string]any); ok {
		return m["error"] == UsageLimitError
	}
	return false
}
