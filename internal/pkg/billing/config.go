package billing

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/SubGate/internal/pkg/env"
)

const (
	DefaultProviderTimeout  = 15 * time.Second
	DefaultWebhookTolerance = 300 * time.Second
)

// Config carries everything the billing components need from the environment.
type Config struct {
	SecretKey               string        `validate:"required"`
	WebhookSecret           string        `validate:"required_without=SkipWebhookVerification"`
	PriceIDs                []string      `validate:"min=1,dive,required"`
	PublicBaseURL           string        `validate:"required,url"`
	ProviderTimeout         time.Duration `validate:"gte=1s,lte=60s"`
	WebhookTolerance        time.Duration `validate:"gte=0"`
	SkipWebhookVerification bool
	Environment             string
}

func ConfigFromEnv() Config {
	return Config{
		SecretKey:               env.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:           env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		PriceIDs:                splitList(env.GetEnv("STRIPE_PRICE_IDS", "")),
		PublicBaseURL:           env.GetEnv("PUBLIC_BASE_URL", "http://localhost:4000"),
		ProviderTimeout:         secondsEnv("STRIPE_TIMEOUT_SECONDS", DefaultProviderTimeout),
		WebhookTolerance:        secondsEnv("STRIPE_WEBHOOK_TOLERANCE_SECONDS", DefaultWebhookTolerance),
		SkipWebhookVerification: env.GetEnv("STRIPE_SKIP_WEBHOOK_VERIFICATION", "false") == "true",
		Environment:             env.GetEnv("APP_ENV", "prod"),
	}
}

// Validate checks struct rules and refuses unverified webhooks outside dev.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.SkipWebhookVerification && c.Environment != "dev" {
		return errors.New("STRIPE_SKIP_WEBHOOK_VERIFICATION is only allowed with APP_ENV=dev")
	}
	return nil
}

// ProviderReady reports whether the Stripe client can make calls at all.
// It does not contact the provider.
func (c Config) ProviderReady() error {
	switch {
	case c.SecretKey == "":
		return errors.New("STRIPE_SECRET_KEY is not set")
	case !strings.HasPrefix(c.SecretKey, "sk_") && !strings.HasPrefix(c.SecretKey, "rk_"):
		return errors.New("STRIPE_SECRET_KEY is neither a secret nor a restricted key")
	case len(c.PriceIDs) == 0:
		return errors.New("STRIPE_PRICE_IDS is empty")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func secondsEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
