package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeReconcilePayment    JobType = "reconcile_payment"
	JobTypeReconcilePreference JobType = "reconcile_preference"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReconcilePaymentJobPayload asks a worker to reconcile one gateway payment.
// WebhookEventID is set when the job originates from a stored notification.
type ReconcilePaymentJobPayload struct {
	PaymentID      string `json:"payment_id"`
	WebhookEventID uint   `json:"webhook_event_id,omitempty"`
}

func (p ReconcilePaymentJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"payment_id": p.PaymentID,
	}
	if p.WebhookEventID > 0 {
		m["webhook_event_id"] = p.WebhookEventID
	}
	return m
}

func ReconcilePaymentJobPayloadFromMap(data map[string]interface{}) (*ReconcilePaymentJobPayload, error) {
	var payload ReconcilePaymentJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ReconcilePreferenceJobPayload asks a worker to reconcile every payment of a
// checkout preference.
type ReconcilePreferenceJobPayload struct {
	PreferenceID   string `json:"preference_id"`
	WebhookEventID uint   `json:"webhook_event_id,omitempty"`
}

func (p ReconcilePreferenceJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"preference_id": p.PreferenceID,
	}
	if p.WebhookEventID > 0 {
		m["webhook_event_id"] = p.WebhookEventID
	}
	return m
}

func ReconcilePreferenceJobPayloadFromMap(data map[string]interface{}) (*ReconcilePreferenceJobPayload, error) {
	var payload ReconcilePreferenceJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// decodePayload round-trips through JSON so numbers read back from Redis
// (float64) land in typed fields.
func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsAbandoned fails the job without spending a retry. Used for errors
// that another attempt cannot fix.
func (j *Job) MarkAsAbandoned(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.MaxRetries = j.RetryCount
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
