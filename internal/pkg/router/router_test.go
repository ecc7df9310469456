package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubGate/app/controllers"
	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubGate/internal/pkg/middleware"
	"github.com/ManuelReschke/SubGate/internal/pkg/statistics"
)

type stubUsers struct {
	users map[string]*models.User
}

func (s stubUsers) GetByAPIKeyHash(hash string) (*models.User, error) {
	if u, ok := s.users[hash]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (stubUsers) TouchAPIKeyUsage(uint, time.Time) error { return nil }

// noProvider fails every call; routing tests never reach the provider.
type noProvider struct{}

func (noProvider) GetSubscription(context.Context, string) (*billing.ProviderSubscription, error) {
	return nil, billing.ErrProviderUnreachable
}

func (noProvider) ListSubscriptions(context.Context, string) ([]billing.ProviderSubscription, error) {
	return nil, billing.ErrProviderUnreachable
}

func (noProvider) CreateCheckoutSession(context.Context, billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	return nil, billing.ErrProviderUnreachable
}

func (noProvider) CancelAtPeriodEnd(context.Context, string) error {
	return billing.ErrProviderUnreachable
}

type stubJobs struct {
	stats jobqueue.QueueStats
	err   error
}

func (s stubJobs) Stats(context.Context) (jobqueue.QueueStats, error) { return s.stats, s.err }

const adminKey = "sg_admin_router"

func newTestApp(t *testing.T, apiLimit int, opts ...func(*Dependencies)) (*fiber.App, *billing.MemoryStore) {
	t.Helper()
	store := billing.NewMemoryStore()
	reconciler := billing.NewReconciler(store, noProvider{}, nil)
	gate := entitlements.NewGate(reconciler, nil)
	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)

	deps := Dependencies{
		Billing: controllers.NewBillingController(controllers.BillingDeps{
			Verifier:   billing.NewWebhookVerifier("whsec_router", 0, false),
			Events:     store,
			Store:      store,
			Reconciler: reconciler,
			Refresher:  billing.NewRefresher(store, noProvider{}, reconciler),
			Checkout:   billing.NewCheckoutInitiator(store, noProvider{}, billing.Config{PriceIDs: []string{"price_pro"}}),
		}),
		Access:  controllers.NewAccessController(gate, store),
		Gate:    gate,
		Records: store,
		APIKey: middleware.APIKeyConfig{
			Users: stubUsers{users: map[string]*models.User{
				models.HashAPIKey("sg_user_1"): {ID: 1, Email: "one@example.com", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE},
			}},
			AdminKeyHash: string(adminHash),
		},
		APIRateLimit: apiLimit,
		MetricsUsers: map[string]string{"metrics": "secret"},
		Stats:        statistics.NewCollector(store, nil),
		Jobs:         stubJobs{stats: jobqueue.QueueStats{Running: true, Pending: 3}},
		BillingConfig: billing.Config{
			WebhookSecret: "whsec_router",
			PublicBaseURL: "https://subgate.example/",
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	app := fiber.New()
	InstallRouter(app, deps)
	return app, store
}

func getJSON(t *testing.T, app *fiber.App, path string, headers map[string]string, basicAuth bool) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if basicAuth {
		req.SetBasicAuth("metrics", "secret")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func status(t *testing.T, app *fiber.App, method, path string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestOpenAPIDocumentMatchesRoutes(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile("../../../public/docs/v1/openapi.yml")
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	app, _ := newTestApp(t, 0)
	registered := make(map[string]bool)
	for _, r := range app.GetRoutes(true) {
		registered[r.Method+" "+strings.TrimSuffix(r.Path, "/")] = true
	}

	param := regexp.MustCompile(`\{([^}]+)\}`)
	for path, item := range doc.Paths.Map() {
		routed := param.ReplaceAllString(path, ":$1")
		for method := range item.Operations() {
			assert.True(t, registered[method+" "+routed], "%s %s is documented but not routed", method, path)
		}
	}
}

func TestRouting(t *testing.T) {
	app, store := newTestApp(t, 0)
	store.Put(models.NewSubscriptionRecord(1))
	userKey := map[string]string{"X-API-Key": "sg_user_1"}

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"health", fiber.MethodGet, "/healthz", nil, fiber.StatusOK},
		{"metrics needs auth", fiber.MethodGet, "/metrics/prometheus", nil, fiber.StatusUnauthorized},
		{"webhook skips api key", fiber.MethodPost, "/api/webhooks/stripe", nil, fiber.StatusUnauthorized},
		{"api needs key", fiber.MethodGet, "/api/v1/access", nil, fiber.StatusUnauthorized},
		{"access", fiber.MethodGet, "/api/v1/access", userKey, fiber.StatusOK},
		{"status", fiber.MethodGet, "/api/v1/subscription/status", userKey, fiber.StatusOK},
		{"gated feature denied", fiber.MethodGet, "/api/v1/pro/ping", userKey, fiber.StatusForbidden},
		{"admin lookup needs admin", fiber.MethodGet, "/api/v1/admin/users/1/subscription", userKey, fiber.StatusForbidden},
		{"webhook status needs auth", fiber.MethodGet, "/api/webhooks/status", nil, fiber.StatusUnauthorized},
		{"job stats need auth", fiber.MethodGet, "/metrics/jobs", nil, fiber.StatusUnauthorized},
		{"unknown route", fiber.MethodGet, "/api/v1/nope", userKey, fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status(t, app, tt.method, tt.path, tt.headers))
		})
	}
}

func TestMetricsWithCredentials(t *testing.T) {
	app, _ := newTestApp(t, 0)
	req := httptest.NewRequest(fiber.MethodGet, "/metrics/prometheus", nil)
	req.SetBasicAuth("metrics", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSubscriptionStatistics(t *testing.T) {
	app, store := newTestApp(t, 0)
	store.Put(models.NewSubscriptionRecord(1))
	store.Put(models.NewSubscriptionRecord(2))

	req := httptest.NewRequest(fiber.MethodGet, "/metrics/subscriptions?fresh=true", nil)
	req.SetBasicAuth("metrics", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var stats statistics.SubscriptionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[models.SubscriptionStatusInactive])

	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, fiber.MethodGet, "/metrics/subscriptions", nil))
}

func TestAPIRateLimit(t *testing.T) {
	app, _ := newTestApp(t, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, fiber.StatusUnauthorized, status(t, app, fiber.MethodGet, "/api/v1/access", nil))
	}
	assert.Equal(t, fiber.StatusTooManyRequests, status(t, app, fiber.MethodGet, "/api/v1/access", nil))

	// Webhooks are counted separately.
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, fiber.MethodPost, "/api/webhooks/stripe", nil))
}

func TestPositiveOr(t *testing.T) {
	assert.Equal(t, 60, positiveOr(0, 60))
	assert.Equal(t, 60, positiveOr(-1, 60))
	assert.Equal(t, 5, positiveOr(5, 60))
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks []HealthCheck
		want   int
		status string
		report map[string]any
	}{
		{"no checks", nil, fiber.StatusOK, "ok", map[string]any{}},
		{"all healthy", []HealthCheck{{"database", ok}, {"stripe", ok}}, fiber.StatusOK, "ok",
			map[string]any{"database": "healthy", "stripe": "healthy"}},
		{"database down", []HealthCheck{{"database", down}, {"stripe", ok}}, fiber.StatusServiceUnavailable, "degraded",
			map[string]any{"database": "unhealthy", "stripe": "healthy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := newTestApp(t, 0, func(d *Dependencies) { d.Health = tt.checks })

			code, body := getJSON(t, app, "/healthz", nil, false)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.report, body["checks"])
		})
	}
}

func TestWebhookStatus(t *testing.T) {
	app, _ := newTestApp(t, 0)

	code, body := getJSON(t, app, "/api/webhooks/status", nil, true)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, true, body["webhook_configured"])
	assert.Equal(t, false, body["verification_skipped"])
	assert.Equal(t, "https://subgate.example/api/webhooks/stripe", body["webhook_url"])

	events, ok := body["events_to_configure"].([]any)
	require.True(t, ok)
	assert.Len(t, events, len(billing.HandledEventTypes))
	assert.Contains(t, events, "checkout.session.completed")
}

func TestOpsRoutesNeedCredentials(t *testing.T) {
	app, _ := newTestApp(t, 0, func(d *Dependencies) { d.MetricsUsers = nil })

	for _, path := range []string{"/metrics", "/metrics/prometheus", "/metrics/subscriptions", "/metrics/jobs"} {
		assert.Equal(t, fiber.StatusNotFound, status(t, app, fiber.MethodGet, path, nil), path)
	}
	assert.Equal(t, fiber.StatusOK, status(t, app, fiber.MethodGet, "/healthz", nil))
	// The signed webhook itself stays reachable.
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, fiber.MethodPost, "/api/webhooks/stripe", nil))
}

func TestJobStatistics(t *testing.T) {
	app, _ := newTestApp(t, 0)

	code, body := getJSON(t, app, "/metrics/jobs", nil, true)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(3), body["pending"])

	failing, _ := newTestApp(t, 0, func(d *Dependencies) { d.Jobs = stubJobs{err: errors.New("redis down")} })
	code, _ = getJSON(t, failing, "/metrics/jobs", nil, true)
	assert.Equal(t, fiber.StatusInternalServerError, code)
}

func TestAdminSubscriptionLookup(t *testing.T) {
	app, store := newTestApp(t, 0)
	store.Put(models.NewSubscriptionRecord(1))
	admin := map[string]string{"X-API-Key": adminKey}

	code, body := getJSON(t, app, "/api/v1/admin/users/1/subscription", admin, false)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "inactive", body["status"])
	assert.Equal(t, float64(1), body["user_id"])

	code, body = getJSON(t, app, "/api/v1/admin/users/99/subscription", admin, false)
	assert.Equal(t, fiber.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])

	code, _ = getJSON(t, app, "/api/v1/admin/users/abc/subscription", admin, false)
	assert.Equal(t, fiber.StatusBadRequest, code)
}
