package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/Inscripciones/app/models"
)

type eventoRepository struct {
	db *gorm.DB
}

// NewEventoRepository creates a new event repository instance
func NewEventoRepository(db *gorm.DB) EventoRepository {
	return &eventoRepository{db: db}
}

func (r *eventoRepository) Create(ctx context.Context, evento *models.Evento) error {
	return r.db.WithContext(ctx).Create(evento).Error
}

func (r *eventoRepository) GetByID(ctx context.Context, id uint) (*models.Evento, error) {
	return models.FindEventoByID(r.db.WithContext(ctx), id)
}
