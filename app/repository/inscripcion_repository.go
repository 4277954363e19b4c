package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/Inscripciones/app/models"
)

// inscripcionRepository implements the InscripcionRepository interface
type inscripcionRepository struct {
	db *gorm.DB
}

// NewInscripcionRepository creates a new registration repository instance
func NewInscripcionRepository(db *gorm.DB) InscripcionRepository {
	return &inscripcionRepository{db: db}
}

// Create stores a registration after applying defaults.
func (r *inscripcionRepository) Create(ctx context.Context, inscripcion *models.Inscripcion) error {
	inscripcion.ApplyDefaults()
	return r.db.WithContext(ctx).Omit("Evento").Create(inscripcion).Error
}

// GetByID retrieves a registration with its event.
func (r *inscripcionRepository) GetByID(ctx context.Context, id uint) (*models.Inscripcion, error) {
	var inscripcion models.Inscripcion
	err := r.db.WithContext(ctx).Preload("Evento").First(&inscripcion, id).Error
	if err != nil {
		return nil, err
	}
	return &inscripcion, nil
}

// List retrieves every registration, newest first.
func (r *inscripcionRepository) List(ctx context.Context) ([]models.Inscripcion, error) {
	var inscripciones []models.Inscripcion
	err := r.db.WithContext(ctx).Preload("Evento").
		Order("fecha_inscripcion DESC").Find(&inscripciones).Error
	return inscripciones, err
}

// MarkConfirmed moves a PENDING registration to CONFIRMED. It reports
// whether a row changed.
func (r *inscripcionRepository) MarkConfirmed(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Inscripcion{}).
		Where("id = ? AND estado = ?", id, models.InscripcionEstadoPending).
		Update("estado", models.InscripcionEstadoConfirmed)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
