package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"triggerflow/internal/config"
	"triggerflow/internal/handlers"
	"triggerflow/internal/middleware"
	"triggerflow/internal/models"
	"triggerflow/internal/observability"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// Read config.yml (working directory) and allow env overrides.
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := getenvDefault("DB_DSN", "")
	if dsn == "" {
		db := cfg.Database
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			firstNonEmpty(os.Getenv("DB_HOST"), db.Host),
			firstNonEmpty(os.Getenv("DB_USER"), db.User),
			firstNonEmpty(os.Getenv("DB_PASSWORD"), db.Password),
			firstNonEmpty(os.Getenv("DB_NAME"), db.Name),
			db.Port,
			firstNonEmpty(os.Getenv("DB_SSLMODE"), db.SSLMode))
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), TranslateError: true})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Integration{}, &models.Automation{},
		&models.Event{}, &models.ExecutionLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Collaborator wiring. The tool catalog is external; the static registry
	// carries operator-registered local tools until the RPC catalog attaches.
	registry := services.NewStaticToolRegistry()
	users := services.NewDBUserProvider(db)
	notifier := services.NewLogNotifier(appLogger)

	secrets := services.WebhookSecrets{}
	for k, v := range cfg.Webhooks.Secrets {
		secrets[strings.ToLower(k)] = v
	}
	oauthEndpoints := map[string]services.OAuthEndpoint{}
	for svc, ep := range cfg.OAuth.Endpoints {
		oauthEndpoints[strings.ToLower(svc)] = services.OAuthEndpoint{
			TokenURL:     ep.TokenURL,
			ClientID:     ep.ClientID,
			ClientSecret: ep.ClientSecret,
		}
	}

	creds := services.NewCredentialStore(db, appLogger, services.NewHTTPTokenRefresher(oauthEndpoints))
	queue := services.NewEventQueueService(db, appLogger)

	executor := services.NewExecutor(db, appLogger, registry, users, notifier)
	executor.SetActionTimeout(cfg.Engine.ActionTimeout)

	feedHub := services.NewFeedHub()
	go feedHub.Run()
	executor.SetFeed(feedHub)

	ingress := services.NewWebhookIngressService(db, appLogger, queue, creds)
	ingress.SetGmailClient(services.NewHTTPGmailHistoryClient(creds))
	ingress.SetFeed(feedHub)

	poller := services.NewPollerService(db, appLogger, queue, registry, users)
	poller.SetFeed(feedHub)
	poller.SetBatching(cfg.Engine.PollBatchSize, cfg.Engine.BatchDelay)

	scheduler := services.NewSchedulerService(db, appLogger, executor)
	dispatcher := services.NewDispatcherService(db, appLogger, queue, executor)
	automationService := services.NewAutomationService(db, appLogger, registry)

	// Control loops. Webhook ingress is request-driven; the poller,
	// dispatcher, and scheduler buckets run on cadences. Daily and weekly
	// buckets tick every 5 minutes so the time-of-day window logic decides.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loops *cron.Cron
	if cfg.Engine.LoopsEnabled {
		loops = cron.New()
		tick := func(name string, fn func(context.Context) error) func() {
			return func() {
				if err := fn(ctx); err != nil {
					appLogger.Errorf("%s loop: %v", name, err)
				}
			}
		}
		mustAdd(loops, "*/5 * * * *", tick("dispatcher", func(ctx context.Context) error {
			_, err := dispatcher.DispatchPending(ctx, cfg.Engine.DispatchBatchSize)
			return err
		}))
		mustAdd(loops, "*/5 * * * *", tick("poller", func(ctx context.Context) error {
			_, err := poller.RunDuePolls(ctx, "", "")
			return err
		}))
		for bucket, spec := range map[string]string{
			"5min":   "*/5 * * * *",
			"once":   "*/5 * * * *",
			"daily":  "*/5 * * * *",
			"weekly": "*/5 * * * *",
			"15min":  "*/15 * * * *",
			"30min":  "*/30 * * * *",
			"1hr":    "0 * * * *",
			"6hr":    "0 */6 * * *",
		} {
			b := bucket
			mustAdd(loops, spec, tick("scheduler/"+b, func(ctx context.Context) error {
				_, err := scheduler.RunBucket(ctx, b)
				return err
			}))
		}
		loops.Start()
		defer loops.Stop()
	}

	// HTTP surface.
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(cfg, db)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(db).GetMetrics)
	}

	root := r.Group("/")
	// Per-IP rate limiting applies to the webhook ingress routes only.
	ingressGroup := r.Group("/", middleware.RateLimitMiddleware(cfg))
	handlers.RegisterWebhookRoutes(ingressGroup, handlers.NewWebhookHandler(ingress, secrets, appLogger))
	handlers.RegisterSchedulerRoutes(root, handlers.NewSchedulerHandler(scheduler, poller, dispatcher, executor, automationService, appLogger))

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService))

	v1 := r.Group("/api/v1")
	v1.GET("/ws", feedHub.HandleWebSocket)

	listenAddr := fmt.Sprintf("%s:%d",
		firstNonEmpty(os.Getenv("TRIGGERFLOW_HOST"), cfg.Server.Host),
		cfg.Server.Port)

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func mustAdd(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		logrus.Fatalf("schedule %q: %v", spec, err)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// corsMiddlewareWithConfig applies the configured CORS policy.
func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-User-ID"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
