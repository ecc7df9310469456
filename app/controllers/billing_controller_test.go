package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

const webhookSecret = "whsec_controller_test"

type providerMock struct {
	mock.Mock
}

func (m *providerMock) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	sub, _ := args.Get(0).(*billing.ProviderSubscription)
	return sub, args.Error(1)
}

func (m *providerMock) ListSubscriptions(ctx context.Context, customerID string) ([]billing.ProviderSubscription, error) {
	args := m.Called(ctx, customerID)
	subs, _ := args.Get(0).([]billing.ProviderSubscription)
	return subs, args.Error(1)
}

func (m *providerMock) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*billing.CheckoutSession)
	return session, args.Error(1)
}

func (m *providerMock) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

type testEnv struct {
	app      *fiber.App
	store    *billing.MemoryStore
	provider *providerMock
}

// testPrincipal reads the caller from X-Test-User: a numeric user id or "admin".
func testPrincipal(c *fiber.Ctx) error {
	switch raw := c.Get("X-Test-User"); {
	case raw == "admin":
		usercontext.SetPrincipal(c, usercontext.AdminPrincipal{Name: "admin"})
	case raw != "":
		id, _ := strconv.Atoi(raw)
		usercontext.SetPrincipal(c, usercontext.RegularUser{UserID: uint(id), Email: "u" + raw + "@example.com"})
	}
	return c.Next()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := billing.NewMemoryStore()
	provider := &providerMock{}
	reconciler := billing.NewReconciler(store, provider, nil)
	cfg := billing.Config{PriceIDs: []string{"price_pro"}, PublicBaseURL: "https://subgate.example"}

	bc := NewBillingController(BillingDeps{
		Verifier:   billing.NewWebhookVerifier(webhookSecret, 0, false),
		Events:     store,
		Store:      store,
		Reconciler: reconciler,
		Refresher:  billing.NewRefresher(store, provider, reconciler),
		Checkout:   billing.NewCheckoutInitiator(store, provider, cfg),
	})
	gate := entitlements.NewGate(reconciler, nil)
	ac := NewAccessController(gate, store)

	app := fiber.New()
	app.Post("/webhooks/stripe", bc.HandleStripeWebhook)
	api := app.Group("/v1", testPrincipal)
	sub := api.Group("/subscription", middleware.RequireRegularUser)
	sub.Get("/", bc.HandleSubscriptionStatus)
	sub.Post("/refresh", bc.HandleSubscriptionRefresh)
	sub.Post("/checkout", bc.HandleCheckoutStart)
	sub.Post("/cancel", bc.HandleCheckoutCancel)
	api.Get("/access", ac.HandleAccess)
	api.Get("/pro/ping", middleware.RequireEntitlement(gate, store), ac.HandleProPing)

	return &testEnv{app: app, store: store, provider: provider}
}

func strPtr(s string) *string { return &s }

func (e *testEnv) seedActive(userID uint, subID string, periodEnd time.Time) {
	last := periodEnd.Add(-30 * 24 * time.Hour)
	e.store.Put(&models.SubscriptionRecord{
		UserID:                 userID,
		Status:                 models.SubscriptionStatusActive,
		ExternalSubscriptionID: strPtr(subID),
		ExternalCustomerID:     strPtr(fmt.Sprintf("cus_%d", userID)),
		PlanID:                 strPtr("price_pro"),
		CurrentPeriodEnd:       &periodEnd,
		LastAppliedEventTime:   &last,
	})
}

func stripeEvent(id, eventType string, created time.Time, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, created.Unix(), object)
}

func (e *testEnv) deliver(t *testing.T, payload string, signed bool) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: []byte(payload), Secret: webhookSecret, Timestamp: time.Now(),
		})
		req.Header.Set("Stripe-Signature", sp.Header)
	}
	return e.do(t, req)
}

func (e *testEnv) call(t *testing.T, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	return e.do(t, req)
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := stripeEvent("evt_1", "invoice.paid", time.Now(), `{"id":"in_1","subscription":"sub_1"}`)

	status, body := env.deliver(t, payload, false)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	// Nothing is recorded for an unauthenticated delivery.
	created, _, err := env.store.CreateWebhookEventIfNotExists(context.Background(), &models.BillingWebhookEvent{
		Provider: models.BillingProviderStripe, ProviderEventID: "evt_1",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestWebhook_MalformedSignedPayload(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.deliver(t, `{"id":"evt_1","type":"invoice.paid"}`, true)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestWebhook_AppliesAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	periodEnd := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	env.seedActive(1, "sub_1", periodEnd)

	newEnd := periodEnd.Add(30 * 24 * time.Hour)
	payload := stripeEvent("evt_paid", "invoice.payment_succeeded", time.Now(),
		fmt.Sprintf(`{"id":"in_1","subscription":"sub_1","lines":{"data":[{"period":{"end":%d}}]}}`, newEnd.Unix()))

	status, body := env.deliver(t, payload, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "applied", body["outcome"])

	rec, err := env.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.CurrentPeriodEnd.Equal(newEnd))

	status, body = env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
}

func TestWebhook_UnknownSubscriptionIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload := stripeEvent("evt_x", "customer.subscription.deleted", time.Now(), `{"id":"sub_unknown","status":"canceled"}`)

	status, body := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "user_not_found", body["outcome"])
}

func TestWebhook_IgnoredType(t *testing.T) {
	env := newTestEnv(t)
	payload := stripeEvent("evt_p", "product.created", time.Now(), `{"id":"prod_1"}`)

	status, body := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestWebhook_ClassificationErrorIsFinal(t *testing.T) {
	env := newTestEnv(t)
	payload := stripeEvent("evt_bad", "customer.subscription.updated", time.Now(), `{"id":"sub_1"}`)

	status, _ := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusBadRequest, status)

	// The event was recorded as processed, so a redelivery is a duplicate.
	status, body := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
}

func TestWebhook_ProviderOutageIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.store.Put(models.NewSubscriptionRecord(5))
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	env.provider.On("GetSubscription", mock.Anything, "sub_5").
		Return(nil, fmt.Errorf("get: %w", billing.ErrProviderUnreachable)).Once()
	env.provider.On("GetSubscription", mock.Anything, "sub_5").
		Return(&billing.ProviderSubscription{ID: "sub_5", Status: "active", PlanID: "price_pro", CurrentPeriodEnd: &periodEnd}, nil).Once()

	payload := stripeEvent("evt_checkout", "checkout.session.completed", time.Now(),
		`{"id":"cs_5","mode":"subscription","subscription":"sub_5","customer":"cus_5","metadata":{"user_id":"5"}}`)

	status, body := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "provider_unavailable", body["error"])

	status, body = env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	rec, _ := env.store.Get(context.Background(), 5)
	assert.Equal(t, models.SubscriptionStatusActive, rec.Status)
	assert.Equal(t, "sub_5", rec.SubscriptionID())
	env.provider.AssertExpectations(t)
}

func TestWebhook_ProviderRejectionIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.store.Put(models.NewSubscriptionRecord(6))
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	env.provider.On("GetSubscription", mock.Anything, "sub_6").
		Return(nil, fmt.Errorf("get: %w: Invalid API Key provided", billing.ErrProviderRejected)).Once()
	env.provider.On("GetSubscription", mock.Anything, "sub_6").
		Return(&billing.ProviderSubscription{ID: "sub_6", Status: "active", PlanID: "price_pro", CustomerID: "cus_6", CurrentPeriodEnd: &periodEnd}, nil).Once()

	payload := stripeEvent("evt_rejected", "checkout.session.completed", time.Now(),
		`{"id":"cs_6","mode":"subscription","subscription":"sub_6","client_reference_id":"6"}`)

	status, body := env.deliver(t, payload, true)
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "provider_rejected", body["error"])

	rec, _ := env.store.Get(context.Background(), 6)
	assert.Equal(t, models.SubscriptionStatusInactive, rec.Status)

	// The redelivery runs the reconciler again instead of being acknowledged as a duplicate.
	status, body = env.deliver(t, payload, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, "applied", body["outcome"])

	rec, _ = env.store.Get(context.Background(), 6)
	assert.Equal(t, models.SubscriptionStatusActive, rec.Status)
	assert.Equal(t, "sub_6", rec.SubscriptionID())
	env.provider.AssertExpectations(t)
}

func TestSubscriptionStatus(t *testing.T) {
	env := newTestEnv(t)
	periodEnd := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedActive(1, "sub_1", periodEnd)

	status, body := env.call(t, fiber.MethodGet, "/v1/subscription", "1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "sub_1", body["external_subscription_id"])
	assert.Equal(t, "2030-01-01T00:00:00Z", body["current_period_end"])

	status, body = env.call(t, fiber.MethodGet, "/v1/subscription", "2", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])

	status, _ = env.call(t, fiber.MethodGet, "/v1/subscription", "admin", "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = env.call(t, fiber.MethodGet, "/v1/subscription", "", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestSubscriptionRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(1, "sub_1", time.Now().Add(24*time.Hour))
	env.provider.On("ListSubscriptions", mock.Anything, "cus_1").Return([]billing.ProviderSubscription{}, nil).Once()

	status, body := env.call(t, fiber.MethodPost, "/v1/subscription/refresh", "1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "inactive", body["status"])
	assert.Nil(t, body["external_subscription_id"])

	env.provider.On("ListSubscriptions", mock.Anything, "cus_1").
		Return(nil, fmt.Errorf("list: %w", billing.ErrProviderUnreachable)).Once()
	status, body = env.call(t, fiber.MethodPost, "/v1/subscription/refresh", "1", "")
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "provider_unavailable", body["error"])
}

func TestCheckoutStart(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(2, "sub_2", time.Now().Add(24*time.Hour))
	env.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutSessionRequest) bool {
		return req.UserID == 1 && req.CustomerEmail == "u1@example.com"
	})).Return(&billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil).Once()

	status, body := env.call(t, fiber.MethodPost, "/v1/subscription/checkout", "1", `{"plan_id":"price_pro"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", body["redirect_url"])
	assert.Equal(t, "cs_1", body["session_id"])

	status, body = env.call(t, fiber.MethodPost, "/v1/subscription/checkout", "1", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])

	status, body = env.call(t, fiber.MethodPost, "/v1/subscription/checkout", "1", `{"plan_id":"price_gold"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "plan_not_allowed", body["error"])

	status, body = env.call(t, fiber.MethodPost, "/v1/subscription/checkout", "2", `{"plan_id":"price_pro"}`)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "already_subscribed", body["error"])
	env.provider.AssertExpectations(t)
}

func TestCheckoutCancel(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(1, "sub_1", time.Now().Add(24*time.Hour))
	env.store.Put(models.NewSubscriptionRecord(2))
	env.provider.On("CancelAtPeriodEnd", mock.Anything, "sub_1").Return(nil).Once()

	status, body := env.call(t, fiber.MethodPost, "/v1/subscription/cancel", "1", "")
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, true, body["cancel_at_period_end"])
	assert.Equal(t, "active", body["status"])

	status, body = env.call(t, fiber.MethodPost, "/v1/subscription/cancel", "2", "")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "no_active_subscription", body["error"])
}

func TestAccessEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(1, "sub_1", time.Now().Add(24*time.Hour))
	env.seedActive(2, "sub_2", time.Now().Add(-time.Hour))

	status, body := env.call(t, fiber.MethodGet, "/v1/access", "1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "active", body["reason"])

	status, body = env.call(t, fiber.MethodGet, "/v1/pro/ping", "1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pong", body["ping"])

	status, body = env.call(t, fiber.MethodGet, "/v1/access", "2", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "expired", body["reason"])

	// The lapsed record was moved to past_due by the first check.
	status, body = env.call(t, fiber.MethodGet, "/v1/pro/ping", "2", "")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "past_due", body["reason"])

	status, body = env.call(t, fiber.MethodGet, "/v1/access", "admin", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "admin", body["reason"])
}
