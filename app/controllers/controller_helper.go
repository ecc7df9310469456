package controllers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
)

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// snapshotJSON is the public projection returned by status and refresh.
func snapshotJSON(s billing.Snapshot) fiber.Map {
	return fiber.Map{
		"status":                   s.Status,
		"external_subscription_id": nullableString(s.ExternalSubscriptionID),
		"plan_id":                  nullableString(s.PlanID),
		"current_period_end":       formatTimePtr(s.CurrentPeriodEnd),
	}
}

// billingError maps billing errors to an HTTP status and error code.
func billingError(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrRecordNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrPlanNotAllowed):
		return fiber.StatusBadRequest, "plan_not_allowed"
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return fiber.StatusConflict, "already_subscribed"
	case errors.Is(err, billing.ErrNoActiveSubscription):
		return fiber.StatusConflict, "no_active_subscription"
	case errors.Is(err, billing.ErrProviderUnreachable), errors.Is(err, billing.ErrProviderRejected):
		return fiber.StatusBadGateway, "provider_unavailable"
	default:
		return fiber.StatusInternalServerError, "internal_server_error"
	}
}

func respondBillingError(c *fiber.Ctx, err error, message string) error {
	status, code := billingError(err)
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return "hash:" + hex.EncodeToString(sum[:])
}
