package repository

import (
	"time"

	"github.com/ManuelReschke/SubGate/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	// Create stores the user together with its initial inactive SubscriptionRecord.
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	TouchAPIKeyUsage(userID uint, at time.Time) error
	Update(user *models.User) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}
