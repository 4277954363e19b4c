package statistics

import (
	"sort"
	"time"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/installments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// AggregateState is the payment progress of one registration, derived from
// its payment records on every read.
type AggregateState struct {
	InscripcionID    uint        `json:"inscripcion_id"`
	CostoTotal       money.Money `json:"costo_total"`
	NumeroCuotas     int         `json:"numero_cuotas"`
	TotalPagado      money.Money `json:"total_pagado"`
	CuotasPagadas    int         `json:"cuotas_pagadas"`
	CuotasPendientes int         `json:"cuotas_pendientes"`
	PorcentajePagado float64     `json:"porcentaje_pagado"`
	PagadoCompleto   bool        `json:"pagado_completo"`
}

// InstallmentView is one planned installment with the status of the record
// that currently represents it.
type InstallmentView struct {
	Numero           int               `json:"numero"`
	Monto            money.Money       `json:"monto"`
	Estado           models.PagoEstado `json:"estado"`
	PaymentID        string            `json:"payment_id,omitempty"`
	MontoPagado      money.Money       `json:"monto_pagado"`
	RequiereRevision bool              `json:"requiere_revision"`
	UpdatedAt        *time.Time        `json:"updated_at,omitempty"`
}

// ComputeAggregate derives the aggregate payment state. Only COMPLETED records
// count, and at most one per installment number within 1..NumeroCuotas.
func ComputeAggregate(inscripcion *models.Inscripcion, pagos []models.Pago) AggregateState {
	state := AggregateState{
		InscripcionID: inscripcion.ID,
		CostoTotal:    inscripcion.Evento.CostoTotal,
		NumeroCuotas:  inscripcion.NumeroCuotas,
	}

	paid := make(map[int]struct{}, inscripcion.NumeroCuotas)
	for i := range pagos {
		p := &pagos[i]
		if p.InscripcionID != inscripcion.ID || p.Estado != models.PagoEstadoCompleted {
			continue
		}
		numero := p.Cuota()
		if numero < 1 || numero > inscripcion.NumeroCuotas {
			continue
		}
		if _, seen := paid[numero]; seen {
			continue
		}
		paid[numero] = struct{}{}
		state.TotalPagado += p.Monto
	}

	state.CuotasPagadas = len(paid)
	state.CuotasPendientes = state.NumeroCuotas - state.CuotasPagadas
	if state.CuotasPendientes < 0 {
		state.CuotasPendientes = 0
	}
	state.PorcentajePagado = money.Percent(state.TotalPagado, state.CostoTotal)
	state.PagadoCompleto = state.NumeroCuotas > 0 && state.CuotasPagadas >= state.NumeroCuotas
	return state
}

// BuildInstallments renders the plan with the derived status of each
// installment. A COMPLETED record always represents its installment;
// otherwise the most recently updated record does; otherwise it is PENDING.
func BuildInstallments(inscripcion *models.Inscripcion, pagos []models.Pago) ([]InstallmentView, error) {
	plan, err := installments.ComputePlan(inscripcion.Evento.CostoTotal, inscripcion.NumeroCuotas)
	if err != nil {
		return nil, err
	}

	byCuota := make(map[int][]models.Pago)
	for _, p := range pagos {
		if p.InscripcionID != inscripcion.ID || p.Cuota() == 0 {
			continue
		}
		byCuota[p.Cuota()] = append(byCuota[p.Cuota()], p)
	}

	views := make([]InstallmentView, len(plan))
	for i, item := range plan {
		view := InstallmentView{
			Numero: item.Numero,
			Monto:  item.Monto,
			Estado: models.PagoEstadoPending,
		}
		if current := representative(byCuota[item.Numero]); current != nil {
			updated := current.UpdatedAt
			view.Estado = current.Estado
			view.PaymentID = current.ExternalPaymentID()
			view.RequiereRevision = current.RequiereRevision
			view.UpdatedAt = &updated
			if current.Estado == models.PagoEstadoCompleted {
				view.MontoPagado = current.Monto
			}
		}
		views[i] = view
	}
	return views, nil
}

func representative(pagos []models.Pago) *models.Pago {
	if len(pagos) == 0 {
		return nil
	}
	sorted := make([]models.Pago, len(pagos))
	copy(sorted, pagos)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci := sorted[i].Estado == models.PagoEstadoCompleted
		cj := sorted[j].Estado == models.PagoEstadoCompleted
		if ci != cj {
			return ci
		}
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return &sorted[0]
}

// RegistrationSnapshot is what the list statistics need per registration.
type RegistrationSnapshot struct {
	Estado           string
	FechaInscripcion time.Time
	Aggregate        AggregateState
}

// RegistrationStats summarises a list of registrations.
type RegistrationStats struct {
	Total            int            `json:"total"`
	Nuevas24h        int            `json:"nuevas_24h"`
	Hoy              int            `json:"hoy"`
	PorEstado        map[string]int `json:"por_estado"`
	PagadasCompletas int            `json:"pagadas_completas"`
	TotalRecaudado   money.Money    `json:"total_recaudado"`
}

// ComputeRegistrationStats counts registrations created in the last 24 hours,
// since midnight of now's location, per estado, and fully paid.
func ComputeRegistrationStats(now time.Time, snapshots []RegistrationSnapshot) RegistrationStats {
	stats := RegistrationStats{
		Total:     len(snapshots),
		PorEstado: map[string]int{},
	}

	dayAgo := now.Add(-24 * time.Hour)
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	for _, s := range snapshots {
		created := s.FechaInscripcion
		if !created.Before(dayAgo) && !created.After(now) {
			stats.Nuevas24h++
		}
		if !created.Before(midnight) && !created.After(now) {
			stats.Hoy++
		}
		stats.PorEstado[s.Estado]++
		if s.Aggregate.PagadoCompleto {
			stats.PagadasCompletas++
		}
		stats.TotalRecaudado += s.Aggregate.TotalPagado
	}
	return stats
}
