package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
)

// CheckoutInitiator starts purchases and cancellations with the provider.
// It never writes the record; the resulting events do.
type CheckoutInitiator struct {
	store         Store
	provider      Provider
	publicBaseURL string
	allowedPlans  map[string]struct{}
}

func NewCheckoutInitiator(store Store, provider Provider, cfg Config) *CheckoutInitiator {
	allowed := make(map[string]struct{}, len(cfg.PriceIDs))
	for _, id := range cfg.PriceIDs {
		allowed[id] = struct{}{}
	}
	return &CheckoutInitiator{
		store:         store,
		provider:      provider,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		allowedPlans:  allowed,
	}
}

// StartCheckout creates a hosted checkout session carrying the user id as
// correlation metadata.
func (c *CheckoutInitiator) StartCheckout(ctx context.Context, userID uint, email, planID string) (*CheckoutSession, error) {
	planID = strings.TrimSpace(planID)
	if _, ok := c.allowedPlans[planID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotAllowed, planID)
	}

	rec, err := c.store.Get(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		rec, err = c.store.Ensure(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == models.SubscriptionStatusActive || rec.Status == models.SubscriptionStatusTrialing {
		return nil, ErrAlreadySubscribed
	}

	session, err := c.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		UserID:        userID,
		PlanID:        planID,
		CustomerID:    rec.CustomerID(),
		CustomerEmail: email,
		SuccessURL:    c.publicBaseURL + "/subscription-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     c.publicBaseURL + "/subscription-cancelled",
	})
	if err != nil {
		log.Errorf("[Checkout] Creating session for user %d failed: %v", userID, err)
		return nil, err
	}
	log.Infof("[Checkout] Session %s created for user %d (plan %s)", session.ID, userID, planID)
	return session, nil
}

// CancelAtPeriodEnd asks the provider to end the subscription at the close of
// the current period and returns the unchanged local snapshot.
func (c *CheckoutInitiator) CancelAtPeriodEnd(ctx context.Context, userID uint) (Snapshot, error) {
	rec, err := c.store.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if rec.SubscriptionID() == "" {
		return Snapshot{}, ErrNoActiveSubscription
	}
	if err := c.provider.CancelAtPeriodEnd(ctx, rec.SubscriptionID()); err != nil {
		log.Errorf("[Checkout] Cancel for user %d failed: %v", userID, err)
		return Snapshot{}, err
	}
	log.Infof("[Checkout] Cancellation at period end requested for subscription %s (user %d)", rec.SubscriptionID(), userID)
	return SnapshotOf(rec), nil
}
