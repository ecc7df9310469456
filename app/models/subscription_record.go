package models

import (
	"errors"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionStatusInactive  SubscriptionStatus = "inactive"
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// IsLive reports whether the status is backed by a provider subscription.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusInactive, SubscriptionStatusTrialing, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusCancelled:
		return true
	default:
		return false
	}
}

var ErrSubscriptionInvariant = errors.New("external subscription id presence does not match status")

// SubscriptionRecord is the local replica of a user's provider subscription.
// One row per user; rows are never deleted.
type SubscriptionRecord struct {
	UserID                 uint               `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Status                 SubscriptionStatus `gorm:"type:varchar(20);not null;default:'inactive';index" json:"status"`
	ExternalSubscriptionID *string            `gorm:"type:varchar(191);uniqueIndex" json:"external_subscription_id"`
	ExternalCustomerID     *string            `gorm:"type:varchar(191);index" json:"external_customer_id"`
	PlanID                 *string            `gorm:"type:varchar(191)" json:"plan_id"`
	CurrentPeriodEnd       *time.Time         `gorm:"type:datetime(6);default:null;index" json:"current_period_end"`
	LastAppliedEventTime   *time.Time         `gorm:"type:datetime(6);default:null" json:"last_applied_event_time"`
	CreatedAt              time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewSubscriptionRecord returns the initial record for a freshly established user.
func NewSubscriptionRecord(userID uint) *SubscriptionRecord {
	return &SubscriptionRecord{UserID: userID, Status: SubscriptionStatusInactive}
}

func (r *SubscriptionRecord) SubscriptionID() string {
	return deref(r.ExternalSubscriptionID)
}

func (r *SubscriptionRecord) CustomerID() string {
	return deref(r.ExternalCustomerID)
}

func (r *SubscriptionRecord) Plan() string {
	return deref(r.PlanID)
}

// CheckInvariant verifies that a subscription id is present exactly when the
// status is live.
func (r *SubscriptionRecord) CheckInvariant() error {
	if !r.Status.Valid() {
		return errors.New("unknown subscription status " + string(r.Status))
	}
	if r.Status.IsLive() != (r.SubscriptionID() != "") {
		return ErrSubscriptionInvariant
	}
	return nil
}

// SameState compares everything except bookkeeping timestamps.
func (r *SubscriptionRecord) SameState(o *SubscriptionRecord) bool {
	return r.Status == o.Status &&
		r.SubscriptionID() == o.SubscriptionID() &&
		r.CustomerID() == o.CustomerID() &&
		r.Plan() == o.Plan() &&
		sameTime(r.CurrentPeriodEnd, o.CurrentPeriodEnd)
}

// Clone returns a deep copy.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	c := *r
	c.ExternalSubscriptionID = cloneString(r.ExternalSubscriptionID)
	c.ExternalCustomerID = cloneString(r.ExternalCustomerID)
	c.PlanID = cloneString(r.PlanID)
	c.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	c.LastAppliedEventTime = cloneTime(r.LastAppliedEventTime)
	return &c
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
