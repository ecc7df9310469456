package billing

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ManuelReschke/SubGate/app/models"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	sub, _ := args.Get(0).(*ProviderSubscription)
	return sub, args.Error(1)
}

func (m *mockProvider) ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	args := m.Called(ctx, customerID)
	subs, _ := args.Get(0).([]ProviderSubscription)
	return subs, args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*CheckoutSession)
	return session, args.Error(1)
}

func (m *mockProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) TrialWillEnd(_ context.Context, userID uint, subscriptionID string) {
	n.calls = append(n.calls, uintString(userID)+":"+subscriptionID)
}

var baseTime = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return baseTime.Add(d) }

func tp(t time.Time) *time.Time { return &t }

func sp(s string) *string { return &s }

func seedRecord(store *MemoryStore, rec models.SubscriptionRecord) {
	store.Put(&rec)
}

func activeRecord(userID uint, subID string, periodEnd time.Time, last time.Time) models.SubscriptionRecord {
	return models.SubscriptionRecord{
		UserID:                 userID,
		Status:                 models.SubscriptionStatusActive,
		ExternalSubscriptionID: sp(subID),
		ExternalCustomerID:     sp("cus_" + uintString(userID)),
		PlanID:                 sp("price_pro"),
		CurrentPeriodEnd:       tp(periodEnd),
		LastAppliedEventTime:   tp(last),
	}
}
