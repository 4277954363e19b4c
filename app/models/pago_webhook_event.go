package models

import "time"

const PaymentProviderMercadoPago = "mercadopago"

// PagoWebhookEvent stores gateway webhook payloads with deduplication
// metadata so each delivery is processed once.
type PagoWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_pago_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_pago_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	Topic           string     `gorm:"type:varchar(64);not null;index" json:"topic"`
	PaymentID       string     `gorm:"type:varchar(64);not null;default:'';index" json:"payment_id"`
	PreferenceID    string     `gorm:"type:varchar(128);not null;default:''" json:"preference_id"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PagoWebhookEvent) TableName() string {
	return "pago_webhook_events"
}
