package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SubGate/app/models"
)

// Mutation runs under the per-user lock with a private copy of the record.
// Returning write=false discards any changes.
type Mutation func(rec *models.SubscriptionRecord) (write bool, err error)

// Store is the Subscription Record Store.
type Store interface {
	Get(ctx context.Context, userID uint) (*models.SubscriptionRecord, error)
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.SubscriptionRecord, error)
	FindByCustomerID(ctx context.Context, customerID string) (*models.SubscriptionRecord, error)
	// Ensure creates the inactive record for a user if it does not exist yet.
	Ensure(ctx context.Context, userID uint) (*models.SubscriptionRecord, error)
	// Update serializes read-modify-write per user. Other users are not blocked.
	Update(ctx context.Context, userID uint, fn Mutation) error
	// ListLapsed returns users whose live record has a period end before the given time.
	ListLapsed(ctx context.Context, before time.Time, limit int) ([]uint, error)
}

// EventLog persists webhook deliveries for deduplication and audit.
type EventLog interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, outcome string, processingError string) error
}

// GormRepository implements Store and EventLog on MySQL.
type GormRepository struct {
	db *gorm.DB
}

// NewRepository creates a GORM backed record store and event log.
func NewRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, userID uint) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *GormRepository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.SubscriptionRecord, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, ErrRecordNotFound
	}
	var rec models.SubscriptionRecord
	if err := r.db.WithContext(ctx).Where("external_subscription_id = ?", id).First(&rec).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *GormRepository) FindByCustomerID(ctx context.Context, customerID string) (*models.SubscriptionRecord, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, ErrRecordNotFound
	}
	var rec models.SubscriptionRecord
	if err := r.db.WithContext(ctx).Where("external_customer_id = ?", id).Order("user_id").First(&rec).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *GormRepository) Ensure(ctx context.Context, userID uint) (*models.SubscriptionRecord, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	rec := models.NewSubscriptionRecord(userID)
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
		return nil, err
	}
	return r.Get(ctx, userID)
}

func (r *GormRepository) Update(ctx context.Context, userID uint, fn Mutation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.SubscriptionRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&rec).Error; err != nil {
			return translateNotFound(err)
		}

		write, err := fn(&rec)
		if err != nil || !write {
			return err
		}
		rec.UpdatedAt = time.Now()

		return tx.Model(&models.SubscriptionRecord{}).
			Where("user_id = ?", userID).
			Select("status", "external_subscription_id", "external_customer_id", "plan_id",
				"current_period_end", "last_applied_event_time", "updated_at").
			Updates(&rec).Error
	})
}

func (r *GormRepository) ListLapsed(ctx context.Context, before time.Time, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("status IN ? AND current_period_end IS NOT NULL AND current_period_end < ?",
			[]models.SubscriptionStatus{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}, before).
		Order("current_period_end").
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}

// CountByStatus returns the number of records per status.
func (r *GormRepository) CountByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	var rows []struct {
		Status models.SubscriptionStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.SubscriptionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *GormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, event, nil
	}

	var existing models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&existing).Error; err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

func (r *GormRepository) MarkWebhookProcessed(ctx context.Context, id uint, outcome string, processingError string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at":     &now,
			"outcome":          outcome,
			"processing_error": processingError,
			"updated_at":       now,
		}).Error
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
