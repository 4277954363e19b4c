package payments

import (
	"strings"

	"github.com/ManuelReschke/Inscripciones/app/models"
)

// MapGatewayStatus maps a Mercado Pago payment status to the local status.
// Unknown statuses report false.
func MapGatewayStatus(status string) (models.PagoEstado, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return models.PagoEstadoCompleted, true
	case "authorized", "in_process", "in_mediation":
		return models.PagoEstadoInProcess, true
	case "pending":
		return models.PagoEstadoPending, true
	case "rejected":
		return models.PagoEstadoRejected, true
	case "cancelled", "refunded", "charged_back":
		return models.PagoEstadoCancelled, true
	default:
		return "", false
	}
}

var transitions = map[models.PagoEstado][]models.PagoEstado{
	models.PagoEstadoPending: {
		models.PagoEstadoInProcess,
		models.PagoEstadoCompleted,
		models.PagoEstadoRejected,
		models.PagoEstadoCancelled,
	},
	models.PagoEstadoInProcess: {
		models.PagoEstadoCompleted,
		models.PagoEstadoRejected,
		models.PagoEstadoCancelled,
	},
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states have no outgoing transitions.
func CanTransition(from, to models.PagoEstado) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
