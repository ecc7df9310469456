package repository

import (
	"sync"

	"gorm.io/gorm"

	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
)

// Repositories groups all repositories backed by one database handle
type Repositories struct {
	User          UserRepository
	Subscriptions *billing.GormRepository
}

// NewRepositories creates all repositories for the given database
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:          NewUserRepository(db),
		Subscriptions: billing.NewRepository(db),
	}
}

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// GetUserRepository returns the user repository instance
func (f *Factory) GetUserRepository() UserRepository {
	return f.GetRepositories().User
}

// GetSubscriptionRepository returns the subscription record store
func (f *Factory) GetSubscriptionRepository() *billing.GormRepository {
	return f.GetRepositories().Subscriptions
}
