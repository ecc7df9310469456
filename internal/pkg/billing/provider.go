package billing

import (
	"context"
	"time"
)

// ProviderSubscription is the provider's view of one subscription.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PlanID            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// CheckoutSessionRequest describes a hosted checkout for a subscription purchase.
type CheckoutSessionRequest struct {
	UserID        uint
	PlanID        string
	CustomerID    string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"redirect_url"`
}

// Provider is the billing provider capability injected into every component
// that talks to it.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}
