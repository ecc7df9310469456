package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubGate/app/controllers"
	"github.com/ManuelReschke/SubGate/app/repository"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/cache"
	"github.com/ManuelReschke/SubGate/internal/pkg/database"
	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/env"
	"github.com/ManuelReschke/SubGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubGate/internal/pkg/mail"
	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
	"github.com/ManuelReschke/SubGate/internal/pkg/router"
	"github.com/ManuelReschke/SubGate/internal/pkg/statistics"
)

// limiterDatabase keeps rate limit counters apart from job data in DB 0.
const limiterDatabase = 2

// Services is the wired object graph shared by the server and the CLI.
type Services struct {
	DB         *gorm.DB
	Config     billing.Config
	Repos      *repository.Repositories
	Provider   billing.Provider
	Reconciler *billing.Reconciler
	Refresher  *billing.Refresher
	Checkout   *billing.CheckoutInitiator
	Verifier   *billing.WebhookVerifier
	Gate       *entitlements.Gate
	Jobs       *jobqueue.Manager
	Stats      *statistics.Collector
}

// New wires the billing core on top of db and the Redis client.
func New(db *gorm.DB, redisClient *goredis.Client, cfg billing.Config) *Services {
	repos := repository.NewFactory(db).GetRepositories()
	provider := billing.NewStripeProvider(cfg.SecretKey, cfg.ProviderTimeout)
	reconciler := billing.NewReconciler(repos.Subscriptions, provider, notifier(repos))
	refresher := billing.NewRefresher(repos.Subscriptions, provider, reconciler)

	return &Services{
		DB:         db,
		Config:     cfg,
		Repos:      repos,
		Provider:   provider,
		Reconciler: reconciler,
		Refresher:  refresher,
		Checkout:   billing.NewCheckoutInitiator(repos.Subscriptions, provider, cfg),
		Verifier:   billing.NewWebhookVerifier(cfg.WebhookSecret, cfg.WebhookTolerance, cfg.SkipWebhookVerification && cfg.Environment == "dev"),
		Gate:       entitlements.NewGate(reconciler, splitList(env.GetEnv("ACCESS_ALLOWLIST", ""))),
		Jobs: jobqueue.NewManager(redisClient, repos.Subscriptions, refresher, jobqueue.ManagerConfig{
			Workers:       intEnv("JOBQUEUE_WORKERS", 3),
			SweepInterval: time.Duration(intEnv("REFRESH_SWEEP_INTERVAL_MINUTES", 10)) * time.Minute,
		}),
		Stats: statistics.NewCollector(repos.Subscriptions, redisClient),
	}
}

// notifier mails trial reminders when SMTP is configured and only logs otherwise.
func notifier(repos *repository.Repositories) billing.Notifier {
	cfg := mail.ConfigFromEnv()
	if !cfg.Enabled() {
		return billing.LogNotifier{}
	}
	return mail.NewTrialNotifier(mail.NewMailer(cfg), repos.User)
}

// RouterDependencies builds controllers and middleware config for the HTTP routers.
func (s *Services) RouterDependencies() router.Dependencies {
	host, port, password := cache.Settings()
	return router.Dependencies{
		Billing: controllers.NewBillingController(controllers.BillingDeps{
			Verifier:   s.Verifier,
			Events:     s.Repos.Subscriptions,
			Store:      s.Repos.Subscriptions,
			Reconciler: s.Reconciler,
			Refresher:  s.Refresher,
			Checkout:   s.Checkout,
		}),
		Access:  controllers.NewAccessController(s.Gate, s.Repos.Subscriptions),
		Gate:    s.Gate,
		Records: s.Repos.Subscriptions,
		APIKey: middleware.APIKeyConfig{
			Users:        s.Repos.User,
			AdminKeyHash: env.GetEnv("ADMIN_API_KEY_HASH", ""),
		},
		LimiterStorage: redis.New(redis.Config{
			Host:     host,
			Port:     port,
			Password: password,
			Database: limiterDatabase,
			Reset:    false,
		}),
		APIRateLimit:     intEnv("API_RATE_LIMIT_PER_MINUTE", 60),
		WebhookRateLimit: intEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600),
		MetricsUsers:     metricsUsers(),
		Stats:            s.Stats,
		Jobs:             s.Jobs,
		Health:           s.HealthChecks(),
		BillingConfig:    s.Config,
	}
}

// HealthChecks probes the database and the provider configuration.
func (s *Services) HealthChecks() []router.HealthCheck {
	return []router.HealthCheck{
		{Name: "database", Check: func(ctx context.Context) error { return database.Ping(ctx, s.DB) }},
		{Name: "stripe", Check: func(context.Context) error { return s.Config.ProviderReady() }},
	}
}

// metricsUsers returns the operator credentials, or nil when either is unset.
func metricsUsers() map[string]string {
	user := strings.TrimSpace(env.GetEnv("METRICS_USER", ""))
	password := env.GetEnv("METRICS_PASSWORD", "")
	if user == "" || password == "" {
		return nil
	}
	return map[string]string{user: password}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(env.GetEnv(key, "")))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
