package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed" // sorted set of retrying job ids scored by due time (unix ms)
	JobStatsKey      = "job_stats"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
)

var errInvalidPayload = errors.New("invalid job payload")

// promoteScript moves due retries to the pending list in one step, so a
// crash cannot drop a job between the two keys.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

const promoteBatch = 100

// Reconciler is the part of the payment engine the workers drive.
type Reconciler interface {
	ReconcilePayment(ctx context.Context, paymentID string) (*payments.Result, error)
	ReconcilePreference(ctx context.Context, preferenceID string) (*payments.PreferenceResult, error)
	MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error
}

// Options tunes a Queue. Zero values fall back to defaults.
type Options struct {
	Workers       int
	MaxRetries    int
	RetryDelay    time.Duration // multiplied by the attempt number
	JobTimeout    time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
	// PromoteInterval is how often due retries are moved back to the queue.
	PromoteInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	return o
}

// Queue runs deferred reconciliations on Redis lists
type Queue struct {
	client     *redis.Client
	reconciler Reconciler
	opts       Options
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, reconciler Reconciler, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client:     client,
		reconciler: reconciler,
		opts:       opts,
		workers:    opts.Workers,
		workerPool: make(chan struct{}, opts.Workers),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// recovers jobs left in processing by a crashed worker
	q.wg.Add(1)
	go q.stuckSweeper(q.opts.StuckAfter, q.opts.SweepInterval)

	// retries live in Redis, so jobs scheduled before a restart resume here
	q.wg.Add(1)
	go q.retryPromoter(q.opts.PromoteInterval)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()

	// drain slots so a later Start begins from an empty pool
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			q.sweepStuck(context.Background(), time.Now(), maxAge)
		}
	}
}

func (q *Queue) sweepStuck(ctx context.Context, now time.Time, maxAge time.Duration) int {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
		return 0
	}
	recovered := 0
	for _, id := range ids {
		data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
		if err != nil {
			if err != redis.Nil {
				log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		var job Job
		if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
			log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) > maxAge {
			log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
			job.ErrorMsg = "recovered by sweeper"
			if err := q.requeueJob(ctx, &job); err == nil {
				recovered++
			}
		}
	}
	return recovered
}

func (q *Queue) retryPromoter(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.promoteDue(context.Background(), time.Now())
		}
	}
}

// promoteDue moves every retry due at or before now to the pending list.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) int {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.client, []string{JobDelayedKey, JobQueueKey},
			strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Int()
		if err != nil {
			log.Errorf("[JobQueue] Failed to promote due retries: %v", err)
			return total
		}
		total += n
		if n < promoteBatch {
			if total > 0 {
				log.Infof("[JobQueue] Promoted %d due retr(ies) to the queue", total)
			}
			return total
		}
	}
}

// scheduleRetry records the job as due at runAt.
func (q *Queue) scheduleRetry(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				}
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(jobType JobType, payload map[string]interface{}) (*Job, error) {
	ctx := context.Background()

	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.opts.MaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// EnqueueReconcilePayment schedules a deferred reconciliation of one payment.
func (q *Queue) EnqueueReconcilePayment(paymentID string, webhookEventID uint) (*Job, error) {
	return q.EnqueueJob(JobTypeReconcilePayment, ReconcilePaymentJobPayload{
		PaymentID:      paymentID,
		WebhookEventID: webhookEventID,
	}.ToMap())
}

// EnqueueReconcilePreference schedules a deferred reconciliation of a preference.
func (q *Queue) EnqueueReconcilePreference(preferenceID string, webhookEventID uint) (*Job, error) {
	return q.EnqueueJob(JobTypeReconcilePreference, ReconcilePreferenceJobPayload{
		PreferenceID:   preferenceID,
		WebhookEventID: webhookEventID,
	}.ToMap())
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// pending -> processing, atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := q.runJob(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.markWebhook(ctx, job, nil)
		q.removeCompletedJob(ctx, job.ID)

	case !payments.IsRetryable(err):
		log.Errorf("[JobQueue] Job %s failed permanently: %v", job.ID, err)
		job.MarkAsAbandoned(err.Error())
		q.updateJobStats(ctx, JobStatusFailed, 1)
		q.markWebhook(ctx, job, err)

	default:
		log.Warnf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() {
			delay := q.opts.RetryDelay * time.Duration(job.RetryCount)
			log.Infof("[JobQueue] Retrying job %s in %s (Attempt %d/%d)", job.ID, delay, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			if err := q.scheduleRetry(ctx, job.ID, time.Now().Add(delay)); err != nil {
				log.Errorf("[JobQueue] Failed to schedule retry of job %s, requeueing now: %v", job.ID, err)
				if perr := q.client.LPush(ctx, JobQueueKey, job.ID).Err(); perr != nil {
					log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, perr)
				}
			}
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.markWebhook(ctx, job, err)
		}
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) runJob(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeReconcilePayment:
		payload, err := ReconcilePaymentJobPayloadFromMap(job.Payload)
		if err != nil || payload.PaymentID == "" {
			return fmt.Errorf("%w: %s", errInvalidPayload, job.ID)
		}
		_, err = q.reconciler.ReconcilePayment(ctx, payload.PaymentID)
		return err

	case JobTypeReconcilePreference:
		payload, err := ReconcilePreferenceJobPayloadFromMap(job.Payload)
		if err != nil || payload.PreferenceID == "" {
			return fmt.Errorf("%w: %s", errInvalidPayload, job.ID)
		}
		res, err := q.reconciler.ReconcilePreference(ctx, payload.PreferenceID)
		if err != nil {
			return err
		}
		if res != nil && res.Pending {
			// no terminal status yet; check again later
			return &payments.DeferredError{Key: payload.PreferenceID, Err: errors.New("preference still pending")}
		}
		return nil

	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// markWebhook closes the stored notification that produced the job, if any.
func (q *Queue) markWebhook(ctx context.Context, job *Job, jobErr error) {
	id := webhookEventID(job.Payload)
	if id == 0 {
		return
	}
	if err := q.reconciler.MarkWebhookProcessed(ctx, id, jobErr); err != nil {
		log.Errorf("[JobQueue] Failed to mark webhook event %d for job %s: %v", id, job.ID, err)
	}
}

func webhookEventID(payload map[string]interface{}) uint {
	var ref struct {
		WebhookEventID uint `json:"webhook_event_id"`
	}
	if err := decodePayload(payload, &ref); err != nil {
		return 0
	}
	return ref.WebhookEventID
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// requeueJob moves a job back to the pending queue and resets its status
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job)
	if err := q.client.LRem(ctx, JobProcessingKey, 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", job.ID, err)
	}
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
		return err
	}
	return nil
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
