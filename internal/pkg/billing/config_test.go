package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubGate/internal/pkg/env"
)

func validConfig() Config {
	return Config{
		SecretKey:        "sk_test_123",
		WebhookSecret:    "whsec_123",
		PriceIDs:         []string{"price_pro"},
		PublicBaseURL:    "https://subgate.example",
		ProviderTimeout:  DefaultProviderTimeout,
		WebhookTolerance: DefaultWebhookTolerance,
		Environment:      "prod",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }, true},
		{"missing webhook secret", func(c *Config) { c.WebhookSecret = "" }, true},
		{"no prices", func(c *Config) { c.PriceIDs = nil }, true},
		{"bad base url", func(c *Config) { c.PublicBaseURL = "not a url" }, true},
		{"timeout too long", func(c *Config) { c.ProviderTimeout = 2 * time.Minute }, true},
		{"skip outside dev", func(c *Config) { c.SkipWebhookVerification = true }, true},
		{"skip in dev without secret", func(c *Config) {
			c.SkipWebhookVerification = true
			c.WebhookSecret = ""
			c.Environment = "dev"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	original := env.Env
	t.Cleanup(func() { env.Env = original })

	env.Env = map[string]string{
		"STRIPE_SECRET_KEY":      "sk_test_abc",
		"STRIPE_WEBHOOK_SECRET":  "whsec_abc",
		"STRIPE_PRICE_IDS":       "price_a, ,price_b",
		"PUBLIC_BASE_URL":        "https://example.org",
		"STRIPE_TIMEOUT_SECONDS": "5",
		"APP_ENV":                "dev",
		// Invalid values fall back to defaults.
		"STRIPE_WEBHOOK_TOLERANCE_SECONDS": "-1",
	}

	cfg := ConfigFromEnv()
	assert.Equal(t, "sk_test_abc", cfg.SecretKey)
	assert.Equal(t, []string{"price_a", "price_b"}, cfg.PriceIDs)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, DefaultWebhookTolerance, cfg.WebhookTolerance)
	assert.False(t, cfg.SkipWebhookVerification)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ProviderReady(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"secret key", Config{SecretKey: "sk_test_1", PriceIDs: []string{"price_pro"}}, false},
		{"restricted key", Config{SecretKey: "rk_live_1", PriceIDs: []string{"price_pro"}}, false},
		{"missing key", Config{PriceIDs: []string{"price_pro"}}, true},
		{"publishable key", Config{SecretKey: "pk_test_1", PriceIDs: []string{"price_pro"}}, true},
		{"no prices", Config{SecretKey: "sk_test_1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ProviderReady()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
