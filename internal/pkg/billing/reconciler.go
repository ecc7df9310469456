package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
)

// Notifier receives informational lifecycle signals.
type Notifier interface {
	TrialWillEnd(ctx context.Context, userID uint, subscriptionID string)
}

// LogNotifier only writes a log line.
type LogNotifier struct{}

func (LogNotifier) TrialWillEnd(_ context.Context, userID uint, subscriptionID string) {
	log.Infof("[Reconciler] Trial for subscription %s of user %d ends soon", subscriptionID, userID)
}

type transitionFunc func(rec *models.SubscriptionRecord, req TransitionRequest)

// transitions holds the field effects of each kind. Clearing of fields that
// only make sense for live statuses happens afterwards in normalize.
var transitions = map[EventKind]transitionFunc{
	KindCheckoutCompleted: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = req.Status
		rec.ExternalSubscriptionID = stringPtr(req.SubscriptionID)
		setCustomer(rec, req.CustomerID)
		rec.PlanID = stringPtr(req.PlanID)
		rec.CurrentPeriodEnd = req.CurrentPeriodEnd
	},
	KindInvoicePaid: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = models.SubscriptionStatusActive
		setCustomer(rec, req.CustomerID)
		if req.CurrentPeriodEnd != nil {
			rec.CurrentPeriodEnd = req.CurrentPeriodEnd
		}
	},
	KindInvoicePaymentFailed: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = models.SubscriptionStatusPastDue
		setCustomer(rec, req.CustomerID)
	},
	KindSubscriptionUpdated: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = req.Status
		setCustomer(rec, req.CustomerID)
		if req.CurrentPeriodEnd != nil {
			rec.CurrentPeriodEnd = req.CurrentPeriodEnd
		}
		if req.PlanID != "" {
			rec.PlanID = stringPtr(req.PlanID)
		}
	},
	KindSubscriptionDeleted: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = models.SubscriptionStatusCancelled
	},
	KindRefresh: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = req.Status
		rec.ExternalSubscriptionID = stringPtr(req.SubscriptionID)
		setCustomer(rec, req.CustomerID)
		rec.PlanID = stringPtr(req.PlanID)
		rec.CurrentPeriodEnd = req.CurrentPeriodEnd
	},
	KindLazyExpiry: func(rec *models.SubscriptionRecord, req TransitionRequest) {
		rec.Status = models.SubscriptionStatusPastDue
	},
}

// Reconciler applies transition requests to the record store under the
// ordering guard. It is the only writer of SubscriptionRecords.
type Reconciler struct {
	store    Store
	provider Provider
	notifier Notifier
}

func NewReconciler(store Store, provider Provider, notifier Notifier) *Reconciler {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Reconciler{store: store, provider: provider, notifier: notifier}
}

// Apply resolves the target record and applies req atomically. A non-nil
// error means nothing was written; errors wrapping ErrProviderUnreachable
// are retryable.
func (r *Reconciler) Apply(ctx context.Context, req TransitionRequest) (Outcome, error) {
	if _, ok := transitions[req.Kind]; !ok && !req.Kind.Informational() {
		return "", fmt.Errorf("%w: %s", ErrUnknownEventKind, req.Kind)
	}

	rec, err := r.resolve(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Warnf("[Reconciler] %s %s: no local user for %s=%s", req.Kind, req.EventID, req.Lookup, req.LookupKey())
			return OutcomeUserNotFound, nil
		}
		return "", err
	}

	if req.Kind.Informational() {
		if req.Kind == KindTrialWillEnd {
			r.notifier.TrialWillEnd(ctx, rec.UserID, req.SubscriptionID)
		}
		log.Infof("[Reconciler] %s %s noted for user %d", req.Kind, req.EventID, rec.UserID)
		return OutcomeNoted, nil
	}

	// The provider call happens before the per-user lock is taken.
	if req.Kind == KindCheckoutCompleted {
		details, err := r.provider.GetSubscription(ctx, req.SubscriptionID)
		if err != nil {
			return "", fmt.Errorf("fetch subscription %s for checkout: %w", req.SubscriptionID, err)
		}
		req = withCheckoutDetails(req, details)
	}

	var outcome Outcome
	err = r.store.Update(ctx, rec.UserID, func(cur *models.SubscriptionRecord) (bool, error) {
		var write bool
		var terr error
		outcome, write, terr = transition(cur, req)
		return write, terr
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return OutcomeUserNotFound, nil
		}
		log.Errorf("[Reconciler] %s %s for user %d failed: %v", req.Kind, req.EventID, rec.UserID, err)
		return "", err
	}

	switch outcome {
	case OutcomeApplied:
		log.Infof("[Reconciler] %s %s applied to user %d", req.Kind, req.EventID, rec.UserID)
	default:
		log.Warnf("[Reconciler] %s %s for user %d: %s", req.Kind, req.EventID, rec.UserID, outcome)
	}
	return outcome, nil
}

func (r *Reconciler) resolve(ctx context.Context, req TransitionRequest) (*models.SubscriptionRecord, error) {
	switch req.Lookup {
	case LookupSubscriptionID:
		return r.store.FindBySubscriptionID(ctx, req.SubscriptionID)
	case LookupCustomerID:
		return r.store.FindByCustomerID(ctx, req.CustomerID)
	default:
		if req.UserID == 0 {
			return nil, ErrRecordNotFound
		}
		return r.store.Get(ctx, req.UserID)
	}
}

// transition computes the next record from cur. It mutates cur only when the
// returned write flag is true.
func transition(cur *models.SubscriptionRecord, req TransitionRequest) (Outcome, bool, error) {
	// Stored timestamps carry microseconds; compare at the same precision.
	req.EventTime = req.EventTime.UTC().Truncate(time.Microsecond)
	last := cur.LastAppliedEventTime
	if last != nil && req.EventTime.Before(*last) {
		return OutcomeStale, false, nil
	}
	// Resolution happened without the lock; the subscription may have moved on.
	if req.Lookup == LookupSubscriptionID && cur.SubscriptionID() != req.SubscriptionID {
		return OutcomeUserNotFound, false, nil
	}
	if req.Kind == KindLazyExpiry && !lapsed(cur, req) {
		return OutcomeStale, false, nil
	}

	next := cur.Clone()
	transitions[req.Kind](next, req)
	normalize(next)

	if last != nil && req.EventTime.Equal(*last) && next.SameState(cur) {
		return OutcomeStale, false, nil
	}
	if err := next.CheckInvariant(); err != nil {
		return "", false, fmt.Errorf("%w: %s for user %d: %v", ErrInvariantViolation, req.Kind, cur.UserID, err)
	}

	// Lazy expiry is not a push event or a refresh, so the ordering mark stays.
	if req.Kind != KindLazyExpiry {
		eventTime := req.EventTime
		next.LastAppliedEventTime = &eventTime
	}
	*cur = *next
	return OutcomeApplied, true, nil
}

// normalize drops fields that are only meaningful while a subscription is live.
func normalize(rec *models.SubscriptionRecord) {
	if rec.Status.IsLive() {
		return
	}
	rec.ExternalSubscriptionID = nil
	rec.PlanID = nil
	rec.CurrentPeriodEnd = nil
}

func lapsed(rec *models.SubscriptionRecord, req TransitionRequest) bool {
	if rec.Status != models.SubscriptionStatusActive && rec.Status != models.SubscriptionStatusTrialing {
		return false
	}
	return rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.Before(req.EventTime)
}

func setCustomer(rec *models.SubscriptionRecord, customerID string) {
	if customerID != "" {
		rec.ExternalCustomerID = stringPtr(customerID)
	}
}

func withCheckoutDetails(req TransitionRequest, details *ProviderSubscription) TransitionRequest {
	req.Status = models.SubscriptionStatusActive
	if MapProviderStatus(details.Status) == models.SubscriptionStatusTrialing {
		req.Status = models.SubscriptionStatusTrialing
	}
	req.PlanID = details.PlanID
	req.CurrentPeriodEnd = details.CurrentPeriodEnd
	if details.CustomerID != "" {
		req.CustomerID = details.CustomerID
	}
	return req
}
