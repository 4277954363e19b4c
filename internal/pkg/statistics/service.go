package statistics

import (
	"context"
	"time"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/app/repository"
)

// RegistrationDetail is the read model behind the registration detail view.
type RegistrationDetail struct {
	Inscripcion *models.Inscripcion `json:"inscripcion"`
	Cuotas      []InstallmentView   `json:"cuotas"`
	Aggregate   AggregateState      `json:"aggregate"`
	Pagos       []models.Pago       `json:"pagos"`
}

// Service reads registrations and payment records and projects them. It
// never writes.
type Service struct {
	inscripciones repository.InscripcionRepository
	pagos         repository.PagoRepository
	now           func() time.Time
}

func NewService(inscripciones repository.InscripcionRepository, pagos repository.PagoRepository) *Service {
	return &Service{
		inscripciones: inscripciones,
		pagos:         pagos,
		now:           time.Now,
	}
}

func (s *Service) GetAggregate(ctx context.Context, inscripcionID uint) (*AggregateState, error) {
	inscripcion, err := s.inscripciones.GetByID(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	pagos, err := s.pagos.ListByInscripcion(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	state := ComputeAggregate(inscripcion, pagos)
	return &state, nil
}

func (s *Service) GetDetail(ctx context.Context, inscripcionID uint) (*RegistrationDetail, error) {
	inscripcion, err := s.inscripciones.GetByID(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	pagos, err := s.pagos.ListByInscripcion(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	cuotas, err := BuildInstallments(inscripcion, pagos)
	if err != nil {
		return nil, err
	}
	return &RegistrationDetail{
		Inscripcion: inscripcion,
		Cuotas:      cuotas,
		Aggregate:   ComputeAggregate(inscripcion, pagos),
		Pagos:       pagos,
	}, nil
}

func (s *Service) GetRegistrationStats(ctx context.Context) (*RegistrationStats, error) {
	inscripciones, err := s.inscripciones.List(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]uint, len(inscripciones))
	for i := range inscripciones {
		ids[i] = inscripciones[i].ID
	}
	pagos, err := s.pagos.ListByInscripciones(ctx, ids)
	if err != nil {
		return nil, err
	}

	byInscripcion := make(map[uint][]models.Pago, len(inscripciones))
	for _, p := range pagos {
		byInscripcion[p.InscripcionID] = append(byInscripcion[p.InscripcionID], p)
	}

	snapshots := make([]RegistrationSnapshot, len(inscripciones))
	for i := range inscripciones {
		insc := &inscripciones[i]
		snapshots[i] = RegistrationSnapshot{
			Estado:           insc.Estado,
			FechaInscripcion: insc.FechaInscripcion,
			Aggregate:        ComputeAggregate(insc, byInscripcion[insc.ID]),
		}
	}

	stats := ComputeRegistrationStats(s.now(), snapshots)
	return &stats, nil
}
