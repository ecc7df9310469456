package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubGate/app/controllers"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
	"github.com/ManuelReschke/SubGate/internal/pkg/statistics"
)

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// JobStats reports the background refresh queue.
type JobStats interface {
	Stats(ctx context.Context) (jobqueue.QueueStats, error)
}

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries everything the routers need.
type Dependencies struct {
	Billing *controllers.BillingController
	Access  *controllers.AccessController
	Gate    *entitlements.Gate
	Records middleware.RecordReader
	APIKey  middleware.APIKeyConfig

	// LimiterStorage backs the rate limiters; nil keeps counters in memory.
	LimiterStorage   fiber.Storage
	APIRateLimit     int
	WebhookRateLimit int

	// MetricsUsers guards operator endpoints with basic auth. When empty
	// those endpoints are not mounted.
	MetricsUsers map[string]string
	// Stats serves /metrics/subscriptions when set.
	Stats *statistics.Collector
	// Jobs serves /metrics/jobs when set.
	Jobs JobStats

	Health        []HealthCheck
	BillingConfig billing.Config
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewOpsRouter(deps), NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
