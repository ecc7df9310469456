package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

// RequireRegularUser rejects callers that do not own a SubscriptionRecord.
func RequireRegularUser(c *fiber.Ctx) error {
	p, ok := usercontext.GetPrincipal(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "authentication required",
		})
	}
	if _, ok := p.(usercontext.RegularUser); !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin principal has no subscription",
		})
	}
	return c.Next()
}

// RequireAdmin admits only the AdminPrincipal.
func RequireAdmin(c *fiber.Ctx) error {
	p, ok := usercontext.GetPrincipal(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "authentication required",
		})
	}
	if _, ok := p.(usercontext.AdminPrincipal); !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin access required",
		})
	}
	return c.Next()
}
