package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/Inscripciones/app/models"
)

var (
	// ErrStaleTransition means the record left the expected status between
	// read and write.
	ErrStaleTransition = errors.New("payment record changed concurrently")
	// ErrInstallmentAlreadyPaid means another record already completed the
	// same installment.
	ErrInstallmentAlreadyPaid = errors.New("installment already has a completed payment")
	ErrMissingPaymentID       = errors.New("payment_id is required")
)

type pagoRepository struct {
	db *gorm.DB
}

// NewPagoRepository creates a new payment record repository instance
func NewPagoRepository(db *gorm.DB) PagoRepository {
	return &pagoRepository{db: db}
}

// CreatePending stores a placeholder record that is not yet linked to a
// gateway payment.
func (r *pagoRepository) CreatePending(ctx context.Context, pago *models.Pago) error {
	pago.Estado = models.PagoEstadoPending
	pago.CompletedSlot = nil
	if err := pago.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(pago).Error
}

func (r *pagoRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.Pago, error) {
	var pago models.Pago
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&pago).Error; err != nil {
		return nil, err
	}
	return &pago, nil
}

func (r *pagoRepository) ListByInscripcion(ctx context.Context, inscripcionID uint) ([]models.Pago, error) {
	var pagos []models.Pago
	err := r.db.WithContext(ctx).Where("inscripcion_id = ?", inscripcionID).
		Order("numero_cuota ASC, id ASC").Find(&pagos).Error
	return pagos, err
}

func (r *pagoRepository) ListByInscripciones(ctx context.Context, inscripcionIDs []uint) ([]models.Pago, error) {
	if len(inscripcionIDs) == 0 {
		return nil, nil
	}
	var pagos []models.Pago
	err := r.db.WithContext(ctx).Where("inscripcion_id IN ?", inscripcionIDs).
		Order("inscripcion_id ASC, numero_cuota ASC, id ASC").Find(&pagos).Error
	return pagos, err
}

func (r *pagoRepository) ListByPreference(ctx context.Context, preferenceID string) ([]models.Pago, error) {
	var pagos []models.Pago
	err := r.db.WithContext(ctx).Where("preference_id = ?", preferenceID).Order("id ASC").Find(&pagos).Error
	return pagos, err
}

// UpsertByExternalKey returns the record for candidate.PaymentID, creating it
// when needed. A pending placeholder for the same installment is claimed
// before a new row is inserted. The bool reports whether a row was inserted.
func (r *pagoRepository) UpsertByExternalKey(ctx context.Context, candidate *models.Pago) (*models.Pago, bool, error) {
	paymentID := candidate.ExternalPaymentID()
	if paymentID == "" {
		return nil, false, ErrMissingPaymentID
	}

	var result models.Pago
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		claimed, err := claimPlaceholder(tx, candidate)
		if err != nil {
			return err
		}
		if claimed {
			return tx.Where("payment_id = ?", paymentID).First(&result).Error
		}

		row := *candidate
		row.ID = 0
		row.Estado = models.PagoEstadoPending
		row.CompletedSlot = nil
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		return tx.Where("payment_id = ?", paymentID).First(&result).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert pago %s: %w", paymentID, err)
	}
	return &result, created, nil
}

func claimPlaceholder(tx *gorm.DB, candidate *models.Pago) (bool, error) {
	if candidate.NumeroCuota == nil {
		return false, nil
	}

	q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("inscripcion_id = ? AND numero_cuota = ? AND payment_id IS NULL AND estado IN ?",
			candidate.InscripcionID, *candidate.NumeroCuota,
			[]models.PagoEstado{models.PagoEstadoPending, models.PagoEstadoInProcess})
	if candidate.PreferenceID != "" {
		q = q.Where("preference_id = ?", candidate.PreferenceID)
	}

	var placeholder models.Pago
	err := q.Order("id ASC").First(&placeholder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := tx.Model(&models.Pago{}).
		Where("id = ? AND payment_id IS NULL", placeholder.ID).
		Updates(map[string]interface{}{
			"payment_id": candidate.ExternalPaymentID(),
			"monto":      candidate.Monto,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Transition moves pago from its current status to `to` with a
// compare-and-set on the status column, writing update alongside. On
// success pago is reloaded.
func (r *pagoRepository) Transition(ctx context.Context, pago *models.Pago, to models.PagoEstado, update PagoUpdate) error {
	cols := update.columns()
	cols["estado"] = to
	if to == models.PagoEstadoCompleted && pago.NumeroCuota != nil {
		cols["completed_slot"] = models.CompletedSlotKey(pago.InscripcionID, *pago.NumeroCuota)
	}

	db := r.db.WithContext(ctx)
	res := db.Model(&models.Pago{}).
		Where("id = ? AND estado = ?", pago.ID, pago.Estado).
		Updates(cols)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return ErrInstallmentAlreadyPaid
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return reload(db, pago)
}

// Touch writes gateway-derived columns without changing the status.
func (r *pagoRepository) Touch(ctx context.Context, pago *models.Pago, update PagoUpdate) error {
	cols := update.columns()
	if len(cols) == 0 {
		return nil
	}
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Pago{}).Where("id = ?", pago.ID).Updates(cols).Error; err != nil {
		return err
	}
	return reload(db, pago)
}

func reload(db *gorm.DB, pago *models.Pago) error {
	var fresh models.Pago
	if err := db.First(&fresh, pago.ID).Error; err != nil {
		return err
	}
	*pago = fresh
	return nil
}
