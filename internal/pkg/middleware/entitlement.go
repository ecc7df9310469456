package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

const KeyAccessDecision = "ACCESS_DECISION"

// RecordReader loads the caller's SubscriptionRecord.
type RecordReader interface {
	Get(ctx context.Context, userID uint) (*models.SubscriptionRecord, error)
}

// LoadDecision runs the gate for the current principal.
func LoadDecision(c *fiber.Ctx, gate *entitlements.Gate, records RecordReader) (entitlements.Decision, error) {
	p, ok := usercontext.GetPrincipal(c)
	if !ok {
		return entitlements.Deny(entitlements.ReasonNoRecord), nil
	}
	var rec *models.SubscriptionRecord
	if user, ok := p.(usercontext.RegularUser); ok {
		r, err := records.Get(c.UserContext(), user.UserID)
		if err != nil && !errors.Is(err, billing.ErrRecordNotFound) {
			return entitlements.Decision{}, err
		}
		rec = r
	}
	return gate.CheckAccess(c.UserContext(), p, rec, time.Now()), nil
}

// RequireEntitlement lets the request through only when the gate allows it.
func RequireEntitlement(gate *entitlements.Gate, records RecordReader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := usercontext.GetPrincipal(c); !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "authentication required"})
		}
		d, err := LoadDecision(c, gate, records)
		if err != nil {
			log.Errorf("[Gate] loading subscription record failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Access check failed"})
		}
		if !d.Allowed {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "subscription_required",
				"message": "Active subscription required",
				"reason":  d.Reason,
			})
		}
		c.Locals(KeyAccessDecision, d)
		return c.Next()
	}
}
