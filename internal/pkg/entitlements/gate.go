package entitlements

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/metrics"
	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

type Reason string

const (
	ReasonActive    Reason = "active"
	ReasonTrialing  Reason = "trialing"
	ReasonAdmin     Reason = "admin"
	ReasonAllowList Reason = "allow_list"
	ReasonExpired   Reason = "expired"
	ReasonInactive  Reason = "inactive"
	ReasonPastDue   Reason = "past_due"
	ReasonCancelled Reason = "cancelled"
	ReasonNoRecord  Reason = "no_record"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

func Allow(reason Reason) Decision { return Decision{Allowed: true, Reason: reason} }
func Deny(reason Reason) Decision  { return Decision{Allowed: false, Reason: reason} }

// Applier performs the lazy expiry write. *billing.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, req billing.TransitionRequest) (billing.Outcome, error)
}

// Gate decides access for gated features.
type Gate struct {
	allowList map[string]struct{}
	applier   Applier
}

// NewGate builds a gate. allowList holds emails that are always allowed.
func NewGate(applier Applier, allowList []string) *Gate {
	set := make(map[string]struct{}, len(allowList))
	for _, e := range allowList {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			set[e] = struct{}{}
		}
	}
	return &Gate{allowList: set, applier: applier}
}

// CheckAccess decides for principal p with its current record. rec may be
// nil for principals that own none.
func (g *Gate) CheckAccess(ctx context.Context, p usercontext.Principal, rec *models.SubscriptionRecord, now time.Time) Decision {
	d := g.decide(ctx, p, rec, now)
	result := "deny"
	if d.Allowed {
		result = "allow"
	}
	metrics.AccessDecisionsTotal.WithLabelValues(result, string(d.Reason)).Inc()
	return d
}

func (g *Gate) decide(ctx context.Context, p usercontext.Principal, rec *models.SubscriptionRecord, now time.Time) Decision {
	user, ok := p.(usercontext.RegularUser)
	if !ok {
		if _, admin := p.(usercontext.AdminPrincipal); admin {
			return Allow(ReasonAdmin)
		}
		return Deny(ReasonNoRecord)
	}
	if _, listed := g.allowList[strings.ToLower(strings.TrimSpace(user.Email))]; listed {
		return Allow(ReasonAllowList)
	}
	if rec == nil {
		return Deny(ReasonNoRecord)
	}

	switch rec.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		if rec.CurrentPeriodEnd == nil || rec.CurrentPeriodEnd.After(now) {
			if rec.Status == models.SubscriptionStatusTrialing {
				return Allow(ReasonTrialing)
			}
			return Allow(ReasonActive)
		}
		g.expire(ctx, rec.UserID, now)
		return Deny(ReasonExpired)
	case models.SubscriptionStatusPastDue:
		return Deny(ReasonPastDue)
	case models.SubscriptionStatusCancelled:
		return Deny(ReasonCancelled)
	default:
		return Deny(ReasonInactive)
	}
}

// expire moves a lapsed record to past_due through the guarded reconciler
// path. A failed write does not change the decision.
func (g *Gate) expire(ctx context.Context, userID uint, now time.Time) {
	if g.applier == nil {
		return
	}
	outcome, err := g.applier.Apply(ctx, billing.TransitionRequest{
		Kind:      billing.KindLazyExpiry,
		EventType: "lazy_expiry",
		EventTime: now,
		Lookup:    billing.LookupUserID,
		UserID:    userID,
	})
	if err != nil {
		log.Errorf("[Gate] Lazy expiry for user %d failed: %v", userID, err)
		return
	}
	log.Infof("[Gate] Lazy expiry for user %d: %s", userID, outcome)
}
