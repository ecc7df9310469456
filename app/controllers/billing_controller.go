package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/metrics"
	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

const webhookTimeout = 15 * time.Second

// BillingController serves the webhook receiver and the subscription endpoints.
type BillingController struct {
	verifier   *billing.WebhookVerifier
	events     billing.EventLog
	store      billing.Store
	reconciler *billing.Reconciler
	refresher  *billing.Refresher
	checkout   *billing.CheckoutInitiator
	validate   *validator.Validate
}

// BillingDeps lists the collaborators of BillingController.
type BillingDeps struct {
	Verifier   *billing.WebhookVerifier
	Events     billing.EventLog
	Store      billing.Store
	Reconciler *billing.Reconciler
	Refresher  *billing.Refresher
	Checkout   *billing.CheckoutInitiator
}

func NewBillingController(deps BillingDeps) *BillingController {
	return &BillingController{
		verifier:   deps.Verifier,
		events:     deps.Events,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		refresher:  deps.Refresher,
		checkout:   deps.Checkout,
		validate:   validator.New(),
	}
}

// HandleStripeWebhook verifies, classifies and reconciles one delivery.
// Known-shape events are always acknowledged; only retryable failures get a 5xx.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	start := time.Now()
	eventType := "unknown"
	outcome := "error"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	rawBody := append([]byte(nil), c.Body()...)
	requestID := uuid.NewString()

	ev, err := bc.verifier.Verify(rawBody, c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrAuthenticityFailure) {
			outcome = "rejected"
			log.Warnf("[Webhook %s] signature rejected: %v", requestID, err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		outcome = "malformed"
		log.Warnf("[Webhook %s] undecodable payload: %v", requestID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	eventType = ev.Type

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	eventID := ev.ID
	if eventID == "" {
		eventID = payloadHash(rawBody)
	}
	created, stored, err := bc.events.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       ev.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Errorf("[Webhook %s] persisting event %s failed: %v", requestID, eventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && stored.IsProcessed() {
		outcome = "duplicate"
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	cls, err := billing.Classify(ev)
	if err != nil {
		outcome = "malformed"
		bc.markProcessed(ctx, stored.ID, outcome, err)
		log.Warnf("[Webhook %s] %s %s: %v", requestID, ev.Type, eventID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if cls.Ignore {
		outcome = "ignored"
		bc.markProcessed(ctx, stored.ID, outcome, nil)
		log.Infof("[Webhook %s] %s %s ignored: %s", requestID, ev.Type, eventID, cls.Reason)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	result, err := bc.reconciler.Apply(ctx, cls.Request)
	if err != nil {
		// Left unprocessed so the redelivery is handled.
		log.Errorf("[Webhook %s] %s %s failed: %v", requestID, ev.Type, eventID, err)
		switch {
		case errors.Is(err, billing.ErrProviderUnreachable):
			outcome = "provider_unavailable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_unavailable"})
		case errors.Is(err, billing.ErrProviderRejected):
			outcome = "provider_rejected"
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_rejected"})
		}
		outcome = "sync_failed"
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_sync_failed"})
	}

	outcome = string(result)
	bc.markProcessed(ctx, stored.ID, outcome, nil)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": result})
}

func (bc *BillingController) markProcessed(ctx context.Context, id uint, outcome string, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := bc.events.MarkWebhookProcessed(ctx, id, outcome, msg); err != nil {
		log.Errorf("[Webhook] marking event %d processed failed: %v", id, err)
	}
}

// HandleSubscriptionStatus returns the caller's current record projection.
func (bc *BillingController) HandleSubscriptionStatus(c *fiber.Ctx) error {
	user, _ := usercontext.GetRegularUser(c)
	rec, err := bc.store.Get(c.UserContext(), user.UserID)
	if err != nil {
		if !errors.Is(err, billing.ErrRecordNotFound) {
			log.Errorf("[Status] loading record for user %d failed: %v", user.UserID, err)
		}
		return respondBillingError(c, err, "Subscription status unavailable")
	}
	return c.Status(fiber.StatusOK).JSON(snapshotJSON(billing.SnapshotOf(rec)))
}

// HandleAdminSubscription returns any user's record projection to an admin.
func (bc *BillingController) HandleAdminSubscription(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid user id"})
	}
	rec, err := bc.store.Get(c.UserContext(), uint(userID))
	if err != nil {
		if !errors.Is(err, billing.ErrRecordNotFound) {
			log.Errorf("[Admin] loading record for user %d failed: %v", userID, err)
		}
		return respondBillingError(c, err, "Subscription record unavailable")
	}
	resp := snapshotJSON(billing.SnapshotOf(rec))
	resp["user_id"] = rec.UserID
	resp["external_customer_id"] = nullableString(rec.CustomerID())
	resp["last_applied_event_time"] = formatTimePtr(rec.LastAppliedEventTime)
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleSubscriptionRefresh pulls the provider's view and reconciles it.
func (bc *BillingController) HandleSubscriptionRefresh(c *fiber.Ctx) error {
	user, _ := usercontext.GetRegularUser(c)
	snap, err := bc.refresher.Refresh(c.UserContext(), user.UserID)
	if err != nil {
		return respondBillingError(c, err, "Subscription refresh failed")
	}
	resp := snapshotJSON(snap)
	resp["success"] = true
	return c.Status(fiber.StatusOK).JSON(resp)
}

type checkoutRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=191"`
}

// HandleCheckoutStart creates a hosted checkout session for the caller.
func (bc *BillingController) HandleCheckoutStart(c *fiber.Ctx) error {
	user, _ := usercontext.GetRegularUser(c)

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "plan_id is required"})
	}

	session, err := bc.checkout.StartCheckout(c.UserContext(), user.UserID, user.Email, req.PlanID)
	if err != nil {
		return respondBillingError(c, err, "Checkout could not be started")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"redirect_url": session.URL,
		"session_id":   session.ID,
	})
}

// HandleCheckoutCancel requests cancellation at period end. Local state changes
// only once the provider reports it.
func (bc *BillingController) HandleCheckoutCancel(c *fiber.Ctx) error {
	user, _ := usercontext.GetRegularUser(c)
	snap, err := bc.checkout.CancelAtPeriodEnd(c.UserContext(), user.UserID)
	if err != nil {
		return respondBillingError(c, err, "Subscription could not be cancelled")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"ok":                   true,
		"cancel_at_period_end": true,
		"status":               snap.Status,
		"message":              "Subscription will be cancelled at the end of the current period",
	})
}
