package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// Evento is an event registrants sign up for. CostoTotal is the full price a
// registration commits to.
type Evento struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	Nombre      string      `gorm:"type:varchar(255);not null" json:"nombre" validate:"required,max=255"`
	CostoTotal  money.Money `gorm:"not null;default:0" json:"costo_total" validate:"gte=0"`
	FechaEvento *time.Time  `gorm:"type:timestamp;default:null" json:"fecha_evento,omitempty"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Evento) TableName() string {
	return "eventos"
}

func (e *Evento) Validate() error {
	v := validator.New()
	return v.Struct(e)
}

func FindEventoByID(db *gorm.DB, id uint) (*Evento, error) {
	var evento Evento
	if err := db.First(&evento, id).Error; err != nil {
		return nil, err
	}
	return &evento, nil
}
