package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
)

const webhookPrefix = "/api/webhooks/"

// WebhookRouter mounts provider webhooks. They authenticate by signature, not API key.
type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/api/webhooks", limiter.New(limiter.Config{
		Max:        positiveOr(h.deps.WebhookRateLimit, 600),
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhook:" + c.IP()
		},
	}))
	hooks.Post("/stripe", h.deps.Billing.HandleStripeWebhook)

	if auth, ok := opsAuth(h.deps); ok {
		hooks.Get("/status", auth, h.handleStatus)
	}
}

// handleStatus tells operators how the provider's webhook endpoint must be set up.
func (h WebhookRouter) handleStatus(c *fiber.Ctx) error {
	cfg := h.deps.BillingConfig
	return c.JSON(fiber.Map{
		"webhook_configured":   cfg.WebhookSecret != "",
		"verification_skipped": cfg.SkipWebhookVerification && cfg.Environment == "dev",
		"webhook_url":          strings.TrimRight(cfg.PublicBaseURL, "/") + webhookPrefix + "stripe",
		"events_to_configure":  billing.HandledEventTypes,
	})
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
