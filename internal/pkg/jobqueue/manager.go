package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
)

// ManagerOptions configures the queue and the webhook resweep.
type ManagerOptions struct {
	Queue Options

	// Webhook events left unprocessed for longer than ResweepAge (a crash
	// between storing and enqueueing) are enqueued again.
	ResweepInterval time.Duration
	ResweepAge      time.Duration
	ResweepBatch    int
}

// LoadManagerOptions reads JOB_* and WEBHOOK_RESWEEP_* settings.
func LoadManagerOptions() ManagerOptions {
	return ManagerOptions{
		Queue: Options{
			Workers:    env.GetEnvInt("JOB_QUEUE_WORKERS", 3),
			MaxRetries: env.GetEnvInt("JOB_MAX_RETRIES", DefaultMaxRetries),
			RetryDelay: env.GetEnvDuration("JOB_RETRY_DELAY", 30*time.Second),
			JobTimeout: env.GetEnvDuration("JOB_TIMEOUT", time.Minute),

			PromoteInterval: env.GetEnvDuration("JOB_PROMOTE_INTERVAL", time.Second),
		},
		ResweepInterval: env.GetEnvDuration("WEBHOOK_RESWEEP_INTERVAL", 5*time.Minute),
		ResweepAge:      env.GetEnvDuration("WEBHOOK_RESWEEP_AGE", 30*time.Minute),
		ResweepBatch:    env.GetEnvInt("WEBHOOK_RESWEEP_BATCH", 100),
	}
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue         *Queue
	events        repository.WebhookEventRepository
	opts          ManagerOptions
	resweepTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// NewManager builds a manager without registering it globally.
func NewManager(client *redis.Client, reconciler Reconciler, events repository.WebhookEventRepository, opts ManagerOptions) *Manager {
	if opts.ResweepInterval <= 0 {
		opts.ResweepInterval = 5 * time.Minute
	}
	if opts.ResweepAge <= 0 {
		opts.ResweepAge = 30 * time.Minute
	}
	if opts.ResweepBatch <= 0 {
		opts.ResweepBatch = 100
	}
	return &Manager{
		queue:  NewQueue(client, reconciler, opts.Queue),
		events: events,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// InitManager creates the global manager once. Later calls return the
// existing instance.
func InitManager(client *redis.Client, reconciler Reconciler, events repository.WebhookEventRepository, opts ManagerOptions) *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(client, reconciler, events, opts)
	})
	return globalManager
}

// GetManager returns the global job queue manager, nil before InitManager.
func GetManager() *Manager {
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// fresh channel so the manager can be restarted
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.events != nil {
		m.resweepTicker = time.NewTicker(m.opts.ResweepInterval)
		m.wg.Add(1)
		go m.resweepWorker()
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.resweepTicker != nil {
		m.resweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) resweepWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started webhook resweep worker (interval: %s)", m.opts.ResweepInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Webhook resweep worker stopping")
			return
		case <-m.resweepTicker.C:
			if n, err := m.ResweepOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Webhook resweep error: %v", err)
			} else if n > 0 {
				log.Infof("[JobQueue Manager] Re-enqueued %d unprocessed webhook events", n)
			}
		}
	}
}

// ResweepOnce enqueues a reconciliation for every stale unprocessed webhook
// event and returns how many jobs were created.
func (m *Manager) ResweepOnce(ctx context.Context) (int, error) {
	if m.events == nil {
		return 0, nil
	}
	events, err := m.events.ListUnprocessed(ctx, time.Now().Add(-m.opts.ResweepAge), m.opts.ResweepBatch)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, ev := range events {
		var jobErr error
		switch {
		case ev.PaymentID != "":
			_, jobErr = m.queue.EnqueueReconcilePayment(ev.PaymentID, ev.ID)
		case ev.PreferenceID != "":
			_, jobErr = m.queue.EnqueueReconcilePreference(ev.PreferenceID, ev.ID)
		default:
			// nothing to reconcile; close it so it is not picked up again
			jobErr = m.events.MarkProcessed(ctx, ev.ID, "")
			if jobErr == nil {
				continue
			}
		}
		if jobErr != nil {
			log.Errorf("[JobQueue Manager] Resweep of webhook event %d failed: %v", ev.ID, jobErr)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

var _ Reconciler = (*payments.Service)(nil)