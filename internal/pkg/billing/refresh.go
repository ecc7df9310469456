package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/metrics"
)

// Refresher pulls the provider's current view for one user and feeds it
// through the Reconciler. Safe to call at any time.
type Refresher struct {
	store      Store
	provider   Provider
	reconciler *Reconciler
	now        func() time.Time
}

func NewRefresher(store Store, provider Provider, reconciler *Reconciler) *Refresher {
	return &Refresher{store: store, provider: provider, reconciler: reconciler, now: time.Now}
}

// Refresh returns ErrRecordNotFound for unknown users and a wrapped
// ErrProviderUnreachable when the provider cannot be queried.
func (r *Refresher) Refresh(ctx context.Context, userID uint) (Snapshot, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(refreshLabel(err)).Inc()
		return Snapshot{}, err
	}
	if rec.CustomerID() == "" {
		metrics.RefreshTotal.WithLabelValues("no_customer").Inc()
		return SnapshotOf(rec), nil
	}

	subs, err := r.provider.ListSubscriptions(ctx, rec.CustomerID())
	if err != nil {
		log.Errorf("[Refresh] Listing subscriptions for user %d failed: %v", userID, err)
		metrics.RefreshTotal.WithLabelValues("provider_error").Inc()
		return Snapshot{}, err
	}

	req := refreshRequest(userID, rec.CustomerID(), subs, r.now())
	outcome, err := r.reconciler.Apply(ctx, req)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return Snapshot{}, err
	}
	metrics.RefreshTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeUserNotFound {
		return Snapshot{}, ErrRecordNotFound
	}

	rec, err = r.store.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(rec), nil
}

func refreshRequest(userID uint, customerID string, subs []ProviderSubscription, now time.Time) TransitionRequest {
	req := TransitionRequest{
		Kind:       KindRefresh,
		EventType:  "refresh",
		EventTime:  now,
		Lookup:     LookupUserID,
		UserID:     userID,
		CustomerID: customerID,
		Status:     models.SubscriptionStatusInactive,
	}
	best := selectSubscription(subs)
	switch {
	case best != nil:
		req.Status = MapProviderStatus(best.Status)
		req.SubscriptionID = best.ID
		req.PlanID = best.PlanID
		req.CurrentPeriodEnd = best.CurrentPeriodEnd
	case len(subs) > 0:
		// Only ended subscriptions remain.
		req.Status = models.SubscriptionStatusCancelled
	}
	return req
}

// selectSubscription prefers active or trialing, then past_due, and within a
// rank the latest period end. Ended subscriptions are never selected.
func selectSubscription(subs []ProviderSubscription) *ProviderSubscription {
	var best *ProviderSubscription
	bestRank := 0
	for i := range subs {
		rank := selectionRank(MapProviderStatus(subs[i].Status))
		if rank == 0 {
			continue
		}
		if best == nil || rank > bestRank || (rank == bestRank && laterEnd(subs[i].CurrentPeriodEnd, best.CurrentPeriodEnd)) {
			best = &subs[i]
			bestRank = rank
		}
	}
	return best
}

func laterEnd(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}

func refreshLabel(err error) string {
	if errors.Is(err, ErrRecordNotFound) {
		return "not_found"
	}
	return "error"
}
