package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
)

// Refresher is satisfied by *billing.Refresher.
type Refresher interface {
	Refresh(ctx context.Context, userID uint) (billing.Snapshot, error)
}

// NewRefreshHandler returns the handler for subscription_refresh jobs.
func NewRefreshHandler(refresher Refresher) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := SubscriptionRefreshJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid payload: %v", ErrPermanent, err)
		}
		if payload.UserID == 0 {
			return fmt.Errorf("%w: missing user_id", ErrPermanent)
		}

		snap, err := refresher.Refresh(ctx, payload.UserID)
		if err != nil {
			if errors.Is(err, billing.ErrRecordNotFound) || errors.Is(err, billing.ErrProviderRejected) {
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			}
			return err
		}
		log.Infof("[JobQueue] Refreshed user %d (%s): status=%s", payload.UserID, payload.Reason, snap.Status)
		return nil
	}
}
