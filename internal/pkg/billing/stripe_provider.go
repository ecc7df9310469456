package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/SubGate/internal/pkg/metrics"
)

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeProvider builds a Stripe client with its own backends so no
// package-level key is shared.
func NewStripeProvider(secretKey string, timeout time.Duration) *StripeProvider {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(1),
	})
	return &StripeProvider{
		api:     client.New(secretKey, backends),
		timeout: timeout,
	}
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer observeProvider("get_subscription", time.Now())

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, classifyStripeError("get subscription "+subscriptionID, err)
	}
	out := fromStripeSubscription(sub)
	return &out, nil
}

func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer observeProvider("list_subscriptions", time.Now())

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var subs []ProviderSubscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, fromStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError("list subscriptions for "+customerID, err)
	}
	return subs, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer observeProvider("create_checkout_session", time.Now())

	userID := uintString(req.UserID)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PlanID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{"user_id": userID},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripeError("create checkout session", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer observeProvider("cancel_at_period_end", time.Now())

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return classifyStripeError("cancel subscription "+subscriptionID, err)
	}
	return nil
}

func fromStripeSubscription(sub *stripe.Subscription) ProviderSubscription {
	out := ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PlanID = item.Price.ID
		}
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

// classifyStripeError separates retryable failures from definitive rejections.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 &&
		stripeErr.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: %s", op, ErrProviderRejected, strings.TrimSpace(stripeErr.Msg))
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnreachable, err)
}

func observeProvider(operation string, started time.Time) {
	metrics.ProviderRequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
