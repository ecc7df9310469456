package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// RefreshLockPrefix keys dedupe pending refresh jobs per user.
	RefreshLockPrefix    = "subgate:refresh_lock:"
	DefaultRefreshLock   = 15 * time.Minute
	DefaultSweepBatch    = 200
	DefaultSweepInterval = 10 * time.Minute
)

// LapsedLister finds users whose live record has passed its period end.
// billing.Store satisfies it.
type LapsedLister interface {
	ListLapsed(ctx context.Context, before time.Time, limit int) ([]uint, error)
}

// ManagerConfig tunes the background sweeper.
type ManagerConfig struct {
	Workers       int
	SweepInterval time.Duration
	SweepBatch    int
	LockTTL       time.Duration
}

// Manager owns the job queue and the lapsed-record sweeper.
type Manager struct {
	queue       *Queue
	client      *redis.Client
	lister      LapsedLister
	cfg         ManagerConfig
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	now         func() time.Time
}

// NewManager wires a queue with the subscription refresh handler.
func NewManager(client *redis.Client, lister LapsedLister, refresher Refresher, cfg ManagerConfig) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultRefreshLock
	}
	q := NewQueue(client, cfg.Workers)
	q.RegisterHandler(JobTypeSubscriptionRefresh, NewRefreshHandler(refresher))
	return &Manager{
		queue:  q,
		client: client,
		lister: lister,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the sweeper
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	log.Infof("[JobQueue Manager] Started (sweep interval %s)", m.cfg.SweepInterval)
}

// Stop stops the sweeper and the job queue
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()
	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			if n, err := m.SweepLapsed(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Lapsed sweep error: %v", err)
			} else if n > 0 {
				log.Infof("[JobQueue Manager] Lapsed sweep enqueued %d refresh jobs", n)
			}
		}
	}
}

// SweepLapsed enqueues a refresh job for every lapsed record not already
// pending. It returns the number of jobs enqueued.
func (m *Manager) SweepLapsed(ctx context.Context) (int, error) {
	ids, err := m.lister.ListLapsed(ctx, m.now(), m.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing lapsed records: %w", err)
	}
	enqueued := 0
	for _, id := range ids {
		_, ok, err := m.EnqueueRefresh(ctx, id, RefreshReasonLapsed)
		if err != nil {
			log.Errorf("[JobQueue Manager] Enqueue refresh for user %d failed: %v", id, err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// EnqueueRefresh schedules a refresh for userID unless one is already
// pending. ok is false when deduped.
func (m *Manager) EnqueueRefresh(ctx context.Context, userID uint, reason RefreshReason) (*Job, bool, error) {
	lockKey := fmt.Sprintf("%s%d", RefreshLockPrefix, userID)
	acquired, err := m.client.SetNX(ctx, lockKey, reason, m.cfg.LockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	job, err := m.queue.EnqueueJob(ctx, JobTypeSubscriptionRefresh, SubscriptionRefreshJobPayload{
		UserID: userID,
		Reason: reason,
	}.ToMap())
	if err != nil {
		_ = m.client.Del(ctx, lockKey).Err()
		return nil, false, err
	}
	return job, true, nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// QueueStats summarises the refresh queue for operators.
type QueueStats struct {
	Running    bool                `json:"running"`
	Pending    int64               `json:"pending"`
	Processing int64               `json:"processing"`
	ByStatus   map[JobStatus]int64 `json:"by_status"`
}

// Stats reads queue depth and job counters from Redis.
func (m *Manager) Stats(ctx context.Context) (QueueStats, error) {
	q := m.GetQueue()
	pending, err := q.GetQueueSize(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue size: %w", err)
	}
	processing, err := q.GetProcessingSize(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("processing size: %w", err)
	}
	byStatus, err := q.GetJobStats(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("job stats: %w", err)
	}
	return QueueStats{
		Running:    m.IsRunning(),
		Pending:    pending,
		Processing: processing,
		ByStatus:   byStatus,
	}, nil
}
