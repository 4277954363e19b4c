package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/testutil"
)

const jobQueueTestRedisDB = 11

type fakeReconciler struct {
	mu          sync.Mutex
	paymentErr  error
	pending     bool
	paymentIDs  []string
	preferences []string
	marked      map[uint]error
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{marked: make(map[uint]error)}
}

func (f *fakeReconciler) ReconcilePayment(_ context.Context, paymentID string) (*payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentIDs = append(f.paymentIDs, paymentID)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	return &payments.Result{Changed: true}, nil
}

func (f *fakeReconciler) ReconcilePreference(_ context.Context, preferenceID string) (*payments.PreferenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preferences = append(f.preferences, preferenceID)
	return &payments.PreferenceResult{PreferenceID: preferenceID, Pending: f.pending}, nil
}

func (f *fakeReconciler) MarkWebhookProcessed(_ context.Context, id uint, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = err
	return nil
}

func (f *fakeReconciler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paymentIDs) + len(f.preferences)
}

func (f *fakeReconciler) markedWith(id uint) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.marked[id]
	return err, ok
}

func newTestQueue(t *testing.T, rec Reconciler) *Queue {
	t.Helper()
	client := testutil.NewRedisClient(t, jobQueueTestRedisDB)
	return NewQueue(client, rec, Options{Workers: 2, RetryDelay: 20 * time.Millisecond, JobTimeout: time.Second})
}

func runNext(t *testing.T, q *Queue) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)
	return job
}

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, newFakeReconciler(), Options{Workers: tt.workers})

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Equal(t, DefaultMaxRetries, queue.opts.MaxRetries)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_delayed", JobDelayedKey)
	assert.Equal(t, "job_stats", JobStatsKey)
	assert.Equal(t, 5, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestQueue_ProcessSuccessMarksWebhook(t *testing.T) {
	rec := newFakeReconciler()
	q := newTestQueue(t, rec)
	ctx := context.Background()

	enqueued, err := q.EnqueueReconcilePayment("mp-1", 7)
	require.NoError(t, err)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	job := runNext(t, q)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, []string{"mp-1"}, rec.paymentIDs)

	markErr, ok := rec.markedWith(7)
	assert.True(t, ok)
	assert.NoError(t, markErr)

	_, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err, "completed jobs are removed")

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
	assert.Equal(t, int64(1), stats[JobStatusPending])
}

func TestQueue_DefinitiveErrorIsNotRetried(t *testing.T) {
	rec := newFakeReconciler()
	rec.paymentErr = &payments.DuplicateTerminalStatusConflictError{PaymentID: "mp-2"}
	q := newTestQueue(t, rec)
	ctx := context.Background()

	_, err := q.EnqueueReconcilePayment("mp-2", 3)
	require.NoError(t, err)

	job := runNext(t, q)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)

	markErr, ok := rec.markedWith(3)
	assert.True(t, ok)
	assert.ErrorIs(t, markErr, payments.ErrDuplicateTerminalStatus)

	time.Sleep(50 * time.Millisecond)
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestQueue_DeferredErrorIsRetried(t *testing.T) {
	rec := newFakeReconciler()
	rec.paymentErr = &payments.DeferredError{Key: "mp-3", Attempts: 3, Err: payments.ErrGatewayUnavailable}
	q := newTestQueue(t, rec)
	ctx := context.Background()

	_, err := q.EnqueueReconcilePayment("mp-3", 4)
	require.NoError(t, err)

	job := runNext(t, q)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	_, marked := rec.markedWith(4)
	assert.False(t, marked)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "not requeued before the delay")

	assert.Equal(t, 1, q.promoteDue(ctx, time.Now().Add(time.Second)))
	pending, err := q.client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, pending)
	delayed, err = q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestQueue_RetryingJobSurvivesRestart(t *testing.T) {
	rec := newFakeReconciler()
	rec.paymentErr = &payments.DeferredError{Key: "mp-6", Attempts: 3, Err: payments.ErrGatewayUnavailable}
	client := testutil.NewRedisClient(t, jobQueueTestRedisDB)
	first := NewQueue(client, rec, Options{RetryDelay: time.Hour})
	ctx := context.Background()

	enqueued, err := first.EnqueueReconcilePayment("mp-6", 9)
	require.NoError(t, err)
	runNext(t, first)

	// a new process sees only what Redis kept
	recovered := newFakeReconciler()
	second := NewQueue(client, recovered, Options{RetryDelay: time.Hour})

	assert.Zero(t, second.promoteDue(ctx, time.Now()), "retry is not due yet")
	assert.Equal(t, 1, second.promoteDue(ctx, time.Now().Add(2*time.Hour)))

	job := runNext(t, second)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, []string{"mp-6"}, recovered.paymentIDs)

	markErr, ok := recovered.markedWith(9)
	assert.True(t, ok)
	assert.NoError(t, markErr)
}

func TestQueue_StartPromotesDueRetries(t *testing.T) {
	rec := newFakeReconciler()
	client := testutil.NewRedisClient(t, jobQueueTestRedisDB)
	q := NewQueue(client, rec, Options{Workers: 1, PromoteInterval: 10 * time.Millisecond})
	ctx := context.Background()

	job := &Job{
		ID:         "retry-1",
		Type:       JobTypeReconcilePayment,
		Status:     JobStatusRetrying,
		Payload:    ReconcilePaymentJobPayload{PaymentID: "mp-7"}.ToMap(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		RetryCount: 1,
		MaxRetries: DefaultMaxRetries,
	}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, JobKeyPrefix+job.ID, raw, JobTTL).Err())
	require.NoError(t, q.scheduleRetry(ctx, job.ID, time.Now().Add(-time.Second)))

	q.Start()
	defer q.Stop()

	assert.Eventually(t, func() bool { return rec.calls() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestQueue_RetriesExhausted(t *testing.T) {
	rec := newFakeReconciler()
	rec.paymentErr = &payments.DeferredError{Key: "mp-4", Attempts: 1, Err: payments.ErrGatewayUnavailable}
	client := testutil.NewRedisClient(t, jobQueueTestRedisDB)
	q := NewQueue(client, rec, Options{MaxRetries: 1, RetryDelay: time.Hour})
	ctx := context.Background()

	_, err := q.EnqueueReconcilePayment("mp-4", 5)
	require.NoError(t, err)

	job := runNext(t, q)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)

	markErr, ok := rec.markedWith(5)
	assert.True(t, ok)
	assert.ErrorIs(t, markErr, payments.ErrReconciliationDeferred)
}

func TestQueue_PendingPreferenceIsRetried(t *testing.T) {
	rec := newFakeReconciler()
	rec.pending = true
	q := newTestQueue(t, rec)
	ctx := context.Background()

	_, err := q.EnqueueReconcilePreference("pref-1", 0)
	require.NoError(t, err)

	job := runNext(t, q)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, []string{"pref-1"}, rec.preferences)
}

func TestQueue_InvalidPayloadFailsImmediately(t *testing.T) {
	rec := newFakeReconciler()
	q := newTestQueue(t, rec)
	ctx := context.Background()

	_, err := q.EnqueueJob(JobTypeReconcilePayment, map[string]interface{}{"webhook_event_id": 8})
	require.NoError(t, err)

	job := runNext(t, q)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, errInvalidPayload.Error())
	assert.Zero(t, rec.calls())

	markErr, ok := rec.markedWith(8)
	assert.True(t, ok)
	assert.True(t, errors.Is(markErr, errInvalidPayload))
}

func TestQueue_UnknownJobType(t *testing.T) {
	rec := newFakeReconciler()
	q := newTestQueue(t, rec)
	ctx := context.Background()

	_, err := q.EnqueueJob(JobType("resize_image"), map[string]interface{}{})
	require.NoError(t, err)

	job := runNext(t, q)
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "unknown job type")
}

func TestQueue_SweepStuckRequeues(t *testing.T) {
	q := newTestQueue(t, newFakeReconciler())
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	job := &Job{
		ID:          "stuck-1",
		Type:        JobTypeReconcilePayment,
		Status:      JobStatusProcessing,
		Payload:     ReconcilePaymentJobPayload{PaymentID: "mp-9"}.ToMap(),
		CreatedAt:   started,
		UpdatedAt:   started,
		ProcessedAt: &started,
		MaxRetries:  DefaultMaxRetries,
	}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, q.client.Set(ctx, JobKeyPrefix+job.ID, raw, JobTTL).Err())
	require.NoError(t, q.client.LPush(ctx, JobProcessingKey, job.ID, "missing-job").Err())

	recovered := q.sweepStuck(ctx, time.Now(), 10*time.Minute)
	assert.Equal(t, 1, recovered)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	pending, err := q.client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck-1"}, pending)

	stored, err := q.GetJob(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestQueue_StartProcessesAndStops(t *testing.T) {
	rec := newFakeReconciler()
	q := newTestQueue(t, rec)

	q.Start()
	q.Start()

	_, err := q.EnqueueReconcilePayment("mp-5", 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.calls() == 1 }, 5*time.Second, 20*time.Millisecond)

	q.Stop()
	assert.False(t, q.running)
	q.Stop()
}
