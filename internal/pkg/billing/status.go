package billing

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
)

// MapProviderStatus translates a Stripe subscription status into the local enum.
func MapProviderStatus(status string) models.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "past_due", "unpaid", "incomplete", "paused":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return models.SubscriptionStatusCancelled
	default:
		log.Warnf("[Billing] Unknown provider subscription status %q, treating as past_due", status)
		return models.SubscriptionStatusPastDue
	}
}

// selectionRank orders provider subscriptions for refresh: higher wins.
func selectionRank(status models.SubscriptionStatus) int {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return 2
	case models.SubscriptionStatusPastDue:
		return 1
	default:
		return 0
	}
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
