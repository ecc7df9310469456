package billing

import "errors"

var (
	// ErrAuthenticityFailure is returned when a webhook signature is missing or invalid.
	ErrAuthenticityFailure = errors.New("webhook authenticity check failed")
	// ErrPayloadMalformed covers undecodable JSON and missing required fields.
	ErrPayloadMalformed = errors.New("malformed billing payload")
	ErrUnknownEventKind = errors.New("unknown billing event kind")
	ErrUserNotFound     = errors.New("no local user for billing event")
	ErrStaleEvent       = errors.New("stale billing event")
	// ErrProviderUnreachable wraps timeouts and 5xx answers from the billing provider.
	ErrProviderUnreachable = errors.New("billing provider unreachable")

	ErrRecordNotFound       = errors.New("subscription record not found")
	ErrNoActiveSubscription = errors.New("user has no active subscription")
	ErrAlreadySubscribed    = errors.New("user already has a live subscription")
	ErrPlanNotAllowed       = errors.New("plan is not offered")
	ErrInvariantViolation   = errors.New("transition would violate subscription invariant")
)

// ErrProviderRejected marks a 4xx answer from the billing provider. Retrying will not help.
var ErrProviderRejected = errors.New("billing provider rejected request")
