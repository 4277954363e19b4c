package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// PagoEstado is the local status of a payment record.
type PagoEstado string

const (
	PagoEstadoPending   PagoEstado = "PENDING"
	PagoEstadoInProcess PagoEstado = "IN_PROCESS"
	PagoEstadoCompleted PagoEstado = "COMPLETED"
	PagoEstadoRejected  PagoEstado = "REJECTED"
	PagoEstadoCancelled PagoEstado = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave this status.
func (e PagoEstado) IsTerminal() bool {
	switch e {
	case PagoEstadoCompleted, PagoEstadoRejected, PagoEstadoCancelled:
		return true
	default:
		return false
	}
}

func (e PagoEstado) IsValid() bool {
	switch e {
	case PagoEstadoPending, PagoEstadoInProcess, PagoEstadoCompleted, PagoEstadoRejected, PagoEstadoCancelled:
		return true
	default:
		return false
	}
}

// Pago is one attempted or completed payment against an installment of an
// Inscripcion. Records are never deleted.
//
// PaymentID is the gateway payment identifier and is unique once known.
// CompletedSlot is set only while Estado is COMPLETED; its unique index keeps
// a single completed payment per (inscripcion, cuota).
type Pago struct {
	ID                  uint        `gorm:"primaryKey" json:"id"`
	InscripcionID       uint        `gorm:"not null;index:idx_pagos_inscripcion_cuota,priority:1" json:"inscripcion_id" validate:"required"`
	NumeroCuota         *int        `gorm:"index:idx_pagos_inscripcion_cuota,priority:2" json:"numero_cuota,omitempty" validate:"omitempty,gte=1"`
	Monto               money.Money `gorm:"not null;default:0" json:"monto" validate:"gte=0"`
	Estado              PagoEstado  `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"estado"`
	PaymentID           *string     `gorm:"type:varchar(64);uniqueIndex:ux_pagos_payment_id" json:"payment_id,omitempty"`
	PreferenceID        string      `gorm:"type:varchar(128);not null;default:'';index" json:"preference_id"`
	CompletedSlot       *string     `gorm:"type:varchar(64);uniqueIndex:ux_pagos_completed_slot" json:"-"`
	GatewayStatus       string      `gorm:"type:varchar(32);not null;default:''" json:"gateway_status"`
	GatewayStatusDetail string      `gorm:"type:varchar(128);not null;default:''" json:"gateway_status_detail"`
	ApprovedAt          *time.Time  `gorm:"type:timestamp;default:null" json:"approved_at,omitempty"`
	RequiereRevision    bool        `gorm:"not null;default:false;index" json:"requiere_revision"`
	RevisionMotivo      string      `gorm:"type:text" json:"revision_motivo,omitempty"`
	CreatedAt           time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Pago) TableName() string {
	return "pagos"
}

func (p *Pago) Validate() error {
	if !p.Estado.IsValid() {
		return fmt.Errorf("invalid pago estado %q", p.Estado)
	}
	v := validator.New()
	return v.Struct(p)
}

// Cuota returns the installment number or 0 when none is assigned yet.
func (p *Pago) Cuota() int {
	if p.NumeroCuota == nil {
		return 0
	}
	return *p.NumeroCuota
}

// ExternalPaymentID returns the gateway payment id or "".
func (p *Pago) ExternalPaymentID() string {
	if p.PaymentID == nil {
		return ""
	}
	return *p.PaymentID
}

// CompletedSlotKey is the value stored in CompletedSlot for a completed
// payment of the given installment.
func CompletedSlotKey(inscripcionID uint, numeroCuota int) string {
	return fmt.Sprintf("%d:%d", inscripcionID, numeroCuota)
}
