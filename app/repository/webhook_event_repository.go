package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/Inscripciones/app/models"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a webhook event log backed by GORM.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) CreateIfNotExists(ctx context.Context, event *models.PagoWebhookEvent) (bool, *models.PagoWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PagoWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.PagoWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// ListUnprocessed returns the oldest events that never reached MarkProcessed.
func (r *webhookEventRepository) ListUnprocessed(ctx context.Context, createdBefore time.Time, limit int) ([]models.PagoWebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.PagoWebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND created_at < ?", createdBefore).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
