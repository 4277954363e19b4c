package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	InscripcionEstadoPending   = "PENDING"
	InscripcionEstadoConfirmed = "CONFIRMED"
)

// DefaultNumeroCuotas is used when a registration does not choose a count.
const DefaultNumeroCuotas = 3

// Inscripcion is a registration to an Evento, paid in NumeroCuotas
// installments.
type Inscripcion struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	EventoID         uint      `gorm:"not null;index" json:"evento_id" validate:"required"`
	Evento           Evento    `gorm:"foreignKey:EventoID" json:"evento" validate:"-"`
	Nombre           string    `gorm:"type:varchar(255);not null" json:"nombre" validate:"required,max=255"`
	Email            string    `gorm:"type:varchar(255);not null;index" json:"email" validate:"required,email,max=255"`
	NumeroCuotas     int       `gorm:"not null;default:3" json:"numero_cuotas" validate:"gte=1"`
	Estado           string    `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"estado" validate:"oneof=PENDING CONFIRMED"`
	FechaInscripcion time.Time `gorm:"autoCreateTime;index" json:"fecha_inscripcion"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Inscripcion) TableName() string {
	return "inscripciones"
}

func (i *Inscripcion) Validate() error {
	v := validator.New()
	return v.Struct(i)
}

// ApplyDefaults fills values the registration form may leave empty.
func (i *Inscripcion) ApplyDefaults() {
	if i.NumeroCuotas == 0 {
		i.NumeroCuotas = DefaultNumeroCuotas
	}
	if i.Estado == "" {
		i.Estado = InscripcionEstadoPending
	}
}
