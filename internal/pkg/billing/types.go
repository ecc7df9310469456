package billing

import (
	"time"

	"github.com/ManuelReschke/SubGate/app/models"
)

// EventKind is the local name of a provider event that the classifier understands.
type EventKind string

const (
	KindCheckoutCompleted    EventKind = "checkout_completed"
	KindInvoicePaid          EventKind = "invoice_paid"
	KindInvoicePaymentFailed EventKind = "invoice_payment_failed"
	KindSubscriptionUpdated  EventKind = "subscription_updated"
	KindSubscriptionDeleted  EventKind = "subscription_deleted"
	KindTrialWillEnd         EventKind = "trial_will_end"
	KindCustomerActivity     EventKind = "customer_activity"
	KindRefresh              EventKind = "refresh"
	KindLazyExpiry           EventKind = "lazy_expiry"
)

// Informational kinds resolve a user but never change the record.
func (k EventKind) Informational() bool {
	return k == KindTrialWillEnd || k == KindCustomerActivity
}

// Lookup says which identifier resolves the target user.
type Lookup int

const (
	LookupUserID Lookup = iota
	LookupSubscriptionID
	LookupCustomerID
)

func (l Lookup) String() string {
	switch l {
	case LookupSubscriptionID:
		return "subscription_id"
	case LookupCustomerID:
		return "customer_id"
	default:
		return "user_id"
	}
}

// TransitionRequest is a typed change to one SubscriptionRecord.
// Which fields are read depends on Kind.
type TransitionRequest struct {
	Kind      EventKind
	EventID   string
	EventType string
	EventTime time.Time
	Lookup    Lookup

	UserID         uint
	SubscriptionID string
	CustomerID     string

	Status           models.SubscriptionStatus
	PlanID           string
	CurrentPeriodEnd *time.Time
}

// LookupKey returns the identifier used for resolution, for logging.
func (r TransitionRequest) LookupKey() string {
	switch r.Lookup {
	case LookupSubscriptionID:
		return r.SubscriptionID
	case LookupCustomerID:
		return r.CustomerID
	default:
		return uintString(r.UserID)
	}
}

// Outcome is the result of Reconciler.Apply.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeStale        Outcome = "stale"
	OutcomeUserNotFound Outcome = "user_not_found"
	// OutcomeNoted is reported for informational events that resolved a user.
	OutcomeNoted Outcome = "noted"
)

// Snapshot is the externally visible projection of a SubscriptionRecord.
type Snapshot struct {
	UserID                 uint                      `json:"user_id"`
	Status                 models.SubscriptionStatus `json:"status"`
	ExternalSubscriptionID string                    `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string                    `json:"external_customer_id,omitempty"`
	PlanID                 string                    `json:"plan_id,omitempty"`
	CurrentPeriodEnd       *time.Time                `json:"current_period_end"`
	LastAppliedEventTime   *time.Time                `json:"last_applied_event_time,omitempty"`
}

func SnapshotOf(rec *models.SubscriptionRecord) Snapshot {
	return Snapshot{
		UserID:                 rec.UserID,
		Status:                 rec.Status,
		ExternalSubscriptionID: rec.SubscriptionID(),
		ExternalCustomerID:     rec.CustomerID(),
		PlanID:                 rec.Plan(),
		CurrentPeriodEnd:       rec.CurrentPeriodEnd,
		LastAppliedEventTime:   rec.LastAppliedEventTime,
	}
}
