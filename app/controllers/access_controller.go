package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
)

// AccessController exposes gate decisions and the example gated feature.
type AccessController struct {
	gate    *entitlements.Gate
	records middleware.RecordReader
}

func NewAccessController(gate *entitlements.Gate, records middleware.RecordReader) *AccessController {
	return &AccessController{gate: gate, records: records}
}

// HandleAccess reports whether the caller may use gated features right now.
func (ac *AccessController) HandleAccess(c *fiber.Ctx) error {
	d, err := middleware.LoadDecision(c, ac.gate, ac.records)
	if err != nil {
		log.Errorf("[Gate] access check failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Access check failed"})
	}
	return c.Status(fiber.StatusOK).JSON(d)
}

// HandleProPing is a gated endpoint; reaching it means access was allowed.
func (ac *AccessController) HandleProPing(c *fiber.Ctx) error {
	resp := fiber.Map{"ping": "pong"}
	if d, ok := c.Locals(middleware.KeyAccessDecision).(entitlements.Decision); ok {
		resp["reason"] = d.Reason
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
