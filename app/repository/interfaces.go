package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// EventoRepository defines the event operations the payment core reads.
type EventoRepository interface {
	Create(ctx context.Context, evento *models.Evento) error
	GetByID(ctx context.Context, id uint) (*models.Evento, error)
}

// InscripcionRepository defines registration reads plus the confirmation
// write performed once every installment is paid.
type InscripcionRepository interface {
	Create(ctx context.Context, inscripcion *models.Inscripcion) error
	GetByID(ctx context.Context, id uint) (*models.Inscripcion, error)
	List(ctx context.Context) ([]models.Inscripcion, error)
	MarkConfirmed(ctx context.Context, id uint) (bool, error)
}

// PagoRepository is the payment record store. Status changes go through
// Transition only.
type PagoRepository interface {
	CreatePending(ctx context.Context, pago *models.Pago) error
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Pago, error)
	ListByInscripcion(ctx context.Context, inscripcionID uint) ([]models.Pago, error)
	ListByInscripciones(ctx context.Context, inscripcionIDs []uint) ([]models.Pago, error)
	ListByPreference(ctx context.Context, preferenceID string) ([]models.Pago, error)
	UpsertByExternalKey(ctx context.Context, candidate *models.Pago) (*models.Pago, bool, error)
	Transition(ctx context.Context, pago *models.Pago, to models.PagoEstado, update PagoUpdate) error
	Touch(ctx context.Context, pago *models.Pago, update PagoUpdate) error
}

// WebhookEventRepository persists inbound gateway notifications.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PagoWebhookEvent) (bool, *models.PagoWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
	ListUnprocessed(ctx context.Context, createdBefore time.Time, limit int) ([]models.PagoWebhookEvent, error)
}

// PagoUpdate carries the gateway-derived columns written together with a
// status change.
type PagoUpdate struct {
	Monto               *money.Money
	GatewayStatus       string
	GatewayStatusDetail string
	ApprovedAt          *time.Time
	RequiereRevision    bool
	RevisionMotivo      string
}

func (u PagoUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.Monto != nil {
		cols["monto"] = *u.Monto
	}
	if u.GatewayStatus != "" {
		cols["gateway_status"] = u.GatewayStatus
	}
	if u.GatewayStatusDetail != "" {
		cols["gateway_status_detail"] = u.GatewayStatusDetail
	}
	if u.ApprovedAt != nil {
		cols["approved_at"] = *u.ApprovedAt
	}
	if u.RequiereRevision {
		cols["requiere_revision"] = true
		cols["revision_motivo"] = u.RevisionMotivo
	}
	return cols
}

// Repositories struct holds all repository instances
type Repositories struct {
	Evento       EventoRepository
	Inscripcion  InscripcionRepository
	Pago         PagoRepository
	WebhookEvent WebhookEventRepository
}
