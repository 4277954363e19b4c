package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// Gateway is the payment provider as seen by the reconciliation engine.
type Gateway interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (*GatewayPayment, error)
	GetPreferencePayments(ctx context.Context, preferenceID string) ([]string, error)
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
}

// GatewayPayment is the provider's current view of one payment.
type GatewayPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	Amount            money.Money
	ApprovedAt        *time.Time
	ExternalReference string
}

type PreferenceRequest struct {
	ExternalReference string
	Title             string
	Amount            money.Money
	PayerEmail        string
	IdempotencyKey    string
}

type Preference struct {
	ID               string `json:"preference_id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point,omitempty"`
}

// ExternalReference binds a gateway payment to a registration installment.
// Its wire form is "insc:<inscripcionId>:cuota:<numero>".
type ExternalReference struct {
	InscripcionID uint
	NumeroCuota   int
}

func (r ExternalReference) String() string {
	return fmt.Sprintf("insc:%d:cuota:%d", r.InscripcionID, r.NumeroCuota)
}

func ParseExternalReference(raw string) (ExternalReference, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 4 || parts[0] != "insc" || parts[2] != "cuota" {
		return ExternalReference{}, fmt.Errorf("%w: %q", ErrInvalidExternalReference, raw)
	}
	inscID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || inscID == 0 {
		return ExternalReference{}, fmt.Errorf("%w: bad inscripcion id in %q", ErrInvalidExternalReference, raw)
	}
	numero, err := strconv.Atoi(parts[3])
	if err != nil {
		return ExternalReference{}, fmt.Errorf("%w: bad cuota in %q", ErrInvalidExternalReference, raw)
	}
	return ExternalReference{InscripcionID: uint(inscID), NumeroCuota: numero}, nil
}
