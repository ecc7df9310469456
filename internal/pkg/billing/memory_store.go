package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/SubGate/app/models"
)

// MemoryStore is an in-process Store and EventLog. Each user has its own
// mutex; the map guard is only held for lookups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint]*models.SubscriptionRecord
	locks   map[uint]*sync.Mutex

	eventsMu sync.Mutex
	events   map[string]*models.BillingWebhookEvent
	nextID   uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint]*models.SubscriptionRecord),
		locks:   make(map[uint]*sync.Mutex),
		events:  make(map[string]*models.BillingWebhookEvent),
	}
}

// Put replaces a record wholesale. Intended for seeding.
func (s *MemoryStore) Put(rec *models.SubscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec.Clone()
	if _, ok := s.locks[rec.UserID]; !ok {
		s.locks[rec.UserID] = &sync.Mutex{}
	}
}

func (s *MemoryStore) Get(_ context.Context, userID uint) (*models.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindBySubscriptionID(_ context.Context, subscriptionID string) (*models.SubscriptionRecord, error) {
	return s.find(func(rec *models.SubscriptionRecord) bool {
		return subscriptionID != "" && rec.SubscriptionID() == subscriptionID
	})
}

func (s *MemoryStore) FindByCustomerID(_ context.Context, customerID string) (*models.SubscriptionRecord, error) {
	return s.find(func(rec *models.SubscriptionRecord) bool {
		return customerID != "" && rec.CustomerID() == customerID
	})
}

func (s *MemoryStore) find(match func(*models.SubscriptionRecord) bool) (*models.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.SubscriptionRecord
	for _, rec := range s.records {
		if match(rec) && (found == nil || rec.UserID < found.UserID) {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrRecordNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) Ensure(_ context.Context, userID uint) (*models.SubscriptionRecord, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		rec = models.NewSubscriptionRecord(userID)
		rec.CreatedAt = time.Now()
		rec.UpdatedAt = rec.CreatedAt
		s.records[userID] = rec
		s.locks[userID] = &sync.Mutex{}
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, userID uint, fn Mutation) error {
	s.mu.RLock()
	lock, ok := s.locks[userID]
	s.mu.RUnlock()
	if !ok {
		return ErrRecordNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.records[userID].Clone()
	s.mu.RUnlock()

	write, err := fn(current)
	if err != nil || !write {
		return err
	}
	current.UpdatedAt = time.Now()

	s.mu.Lock()
	s.records[userID] = current
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListLapsed(_ context.Context, before time.Time, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	var lapsed []*models.SubscriptionRecord
	for _, rec := range s.records {
		if (rec.Status == models.SubscriptionStatusActive || rec.Status == models.SubscriptionStatusTrialing) &&
			rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.Before(before) {
			lapsed = append(lapsed, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(lapsed, func(i, j int) bool {
		return lapsed[i].CurrentPeriodEnd.Before(*lapsed[j].CurrentPeriodEnd)
	})
	ids := make([]uint, 0, min(limit, len(lapsed)))
	for _, rec := range lapsed {
		if len(ids) == limit {
			break
		}
		ids = append(ids, rec.UserID)
	}
	return ids, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.SubscriptionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.SubscriptionStatus]int64)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	key := event.Provider + "|" + event.ProviderEventID
	if existing, ok := s.events[key]; ok {
		c := *existing
		return false, &c, nil
	}
	s.nextID++
	stored := *event
	stored.ID = s.nextID
	stored.CreatedAt = time.Now()
	s.events[key] = &stored
	event.ID = stored.ID
	return true, event, nil
}

func (s *MemoryStore) MarkWebhookProcessed(_ context.Context, id uint, outcome string, processingError string) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			now := time.Now()
			ev.ProcessedAt = &now
			ev.Outcome = outcome
			ev.ProcessingError = processingError
			return nil
		}
	}
	return ErrRecordNotFound
}
