package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/SubGate/internal/pkg/statistics"
)

const healthTimeout = 3 * time.Second

// OpsRouter serves health and metrics endpoints.
type OpsRouter struct {
	deps Dependencies
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	auth, ok := opsAuth(h.deps)
	if !ok {
		log.Warn("[Router] METRICS_USER/METRICS_PASSWORD not set; metrics endpoints are disabled")
		return
	}
	app.Get("/metrics", auth, monitor.New())
	app.Get("/metrics/prometheus", auth, adaptor.HTTPHandler(promhttp.Handler()))

	if h.deps.Stats != nil {
		app.Get("/metrics/subscriptions", auth, h.handleSubscriptionStats)
	}
	if h.deps.Jobs != nil {
		app.Get("/metrics/jobs", auth, h.handleJobStats)
	}
}

// opsAuth guards operator endpoints; without credentials they stay unmounted.
func opsAuth(deps Dependencies) (fiber.Handler, bool) {
	if len(deps.MetricsUsers) == 0 {
		return nil, false
	}
	return basicauth.New(basicauth.Config{Users: deps.MetricsUsers}), true
}

func (h OpsRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status, code := "ok", fiber.StatusOK
	checks := make(fiber.Map, len(h.deps.Health))
	for _, hc := range h.deps.Health {
		if err := hc.Check(ctx); err != nil {
			log.Warnf("[Health] %s unhealthy: %v", hc.Name, err)
			checks[hc.Name] = "unhealthy"
			status, code = "degraded", fiber.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "healthy"
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": checks})
}

func (h OpsRouter) handleSubscriptionStats(c *fiber.Ctx) error {
	var (
		stats statistics.SubscriptionStats
		err   error
	)
	if c.QueryBool("fresh") {
		stats, err = h.deps.Stats.Refresh(c.UserContext())
	} else {
		stats, err = h.deps.Stats.Get(c.UserContext())
	}
	if err != nil {
		log.Errorf("[Statistics] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Statistics unavailable"})
	}
	return c.JSON(stats)
}

func (h OpsRouter) handleJobStats(c *fiber.Ctx) error {
	stats, err := h.deps.Jobs.Stats(c.UserContext())
	if err != nil {
		log.Errorf("[JobQueue] stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Job statistics unavailable"})
	}
	return c.JSON(stats)
}

func NewOpsRouter(deps Dependencies) *OpsRouter {
	return &OpsRouter{deps: deps}
}
