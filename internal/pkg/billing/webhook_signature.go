package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event is a verified, decoded provider event envelope.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// WebhookVerifier checks Stripe-Signature headers and decodes event envelopes.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	skip      bool
}

func NewWebhookVerifier(secret string, tolerance time.Duration, skipVerification bool) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookVerifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		skip:      skipVerification,
	}
}

// Verify authenticates the raw body before anything in it is read.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if !v.skip {
		if v.secret == "" || strings.TrimSpace(signatureHeader) == "" {
			return Event{}, ErrAuthenticityFailure
		}
		if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrAuthenticityFailure, err)
		}
	}
	return DecodeEvent(payload)
}

// DecodeEvent parses a Stripe event envelope.
func DecodeEvent(payload []byte) (Event, error) {
	var ev stripe.Event
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if strings.TrimSpace(string(ev.Type)) == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrPayloadMalformed)
	}
	if ev.Created <= 0 {
		return Event{}, fmt.Errorf("%w: missing event created timestamp", ErrPayloadMalformed)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: missing data.object", ErrPayloadMalformed)
	}
	return Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
		Object:  ev.Data.Raw,
	}, nil
}
