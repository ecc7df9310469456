package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
)

type refresherFunc func(ctx context.Context, userID uint) (billing.Snapshot, error)

func (f refresherFunc) Refresh(ctx context.Context, userID uint) (billing.Snapshot, error) {
	return f(ctx, userID)
}

func refreshJob(payload map[string]interface{}) *Job {
	return &Job{ID: "job-1", Type: JobTypeSubscriptionRefresh, Payload: payload, MaxRetries: DefaultMaxRetries}
}

func TestRefreshHandler(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]interface{}
		err       error
		wantErr   bool
		permanent bool
	}{
		{"success", SubscriptionRefreshJobPayload{UserID: 7, Reason: RefreshReasonLapsed}.ToMap(), nil, false, false},
		{"missing user", map[string]interface{}{"reason": "lapsed"}, nil, true, true},
		{"unknown user", SubscriptionRefreshJobPayload{UserID: 7}.ToMap(), billing.ErrRecordNotFound, true, true},
		{"provider rejected", SubscriptionRefreshJobPayload{UserID: 7}.ToMap(), fmt.Errorf("list: %w", billing.ErrProviderRejected), true, true},
		{"provider unreachable", SubscriptionRefreshJobPayload{UserID: 7}.ToMap(), fmt.Errorf("list: %w", billing.ErrProviderUnreachable), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called uint
			h := NewRefreshHandler(refresherFunc(func(_ context.Context, userID uint) (billing.Snapshot, error) {
				called = userID
				return billing.Snapshot{Status: models.SubscriptionStatusActive}, tt.err
			}))

			err := h(context.Background(), refreshJob(tt.payload))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, uint(7), called)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))
		})
	}
}
