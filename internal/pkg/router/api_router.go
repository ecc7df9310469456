package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        positiveOr(h.deps.APIRateLimit, 60),
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		// Webhooks carry their own limiter.
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), webhookPrefix)
		},
	}))

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.APIKey))

	sub := v1.Group("/subscription", middleware.RequireRegularUser)
	sub.Get("/status", h.deps.Billing.HandleSubscriptionStatus)
	sub.Post("/refresh", h.deps.Billing.HandleSubscriptionRefresh)
	sub.Post("/checkout", h.deps.Billing.HandleCheckoutStart)
	sub.Post("/cancel", h.deps.Billing.HandleCheckoutCancel)

	v1.Get("/access", h.deps.Access.HandleAccess)

	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/users/:id/subscription", h.deps.Billing.HandleAdminSubscription)

	pro := v1.Group("/pro", middleware.RequireEntitlement(h.deps.Gate, h.deps.Records))
	pro.Get("/ping", h.deps.Access.HandleProPing)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
