package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/installments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

var (
	ErrGatewayUnavailable       = errors.New("payment gateway unavailable")
	ErrReconciliationDeferred   = errors.New("reconciliation deferred")
	ErrPaymentNotFound          = errors.New("payment not found at gateway")
	ErrDuplicateTerminalStatus  = errors.New("duplicate terminal status conflict")
	ErrPaymentAmountMismatch    = errors.New("payment amount mismatch")
	ErrRegistrationNotFound     = errors.New("registration not found")
	ErrInvalidExternalReference = errors.New("invalid external reference")
	ErrReferenceMismatch        = errors.New("stored payment does not match its external reference")

	ErrUnknownInstallment     = installments.ErrUnknownInstallment
	ErrInstallmentAlreadyPaid = repository.ErrInstallmentAlreadyPaid
)

// GatewayError describes a failed gateway call. Temporary errors (network,
// 5xx, 429) are retried; everything else is definitive.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Temporary  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGatewayUnavailable:
		return e.Temporary
	case ErrPaymentNotFound:
		return e.StatusCode == 404
	}
	return false
}

// DeferredError means the gateway or the store stayed unavailable through
// every attempt. The gateway remains the source of truth, so the work can be
// repeated.
type DeferredError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("reconciliation of %s deferred after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *DeferredError) Unwrap() []error {
	return []error{ErrReconciliationDeferred, e.Err}
}

// DuplicateTerminalStatusConflictError means the gateway reported a terminal
// status that contradicts the stored terminal status.
type DuplicateTerminalStatusConflictError struct {
	PaymentID     string
	Stored        models.PagoEstado
	Reported      models.PagoEstado
	GatewayStatus string
}

func (e *DuplicateTerminalStatusConflictError) Error() string {
	return fmt.Sprintf("payment %s is %s but gateway reports %q (%s)", e.PaymentID, e.Stored, e.GatewayStatus, e.Reported)
}

func (e *DuplicateTerminalStatusConflictError) Is(target error) bool {
	return target == ErrDuplicateTerminalStatus
}

// AmountMismatchError is a warning: the installment is still counted as paid.
type AmountMismatchError struct {
	PaymentID     string
	InscripcionID uint
	NumeroCuota   int
	Expected      money.Money
	Paid          money.Money
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s for inscripcion %d cuota %d paid %s, expected %s",
		e.PaymentID, e.InscripcionID, e.NumeroCuota, e.Paid, e.Expected)
}

func (e *AmountMismatchError) Is(target error) bool {
	return target == ErrPaymentAmountMismatch
}

// UnknownInstallmentError means a payment points at a cuota the registration
// does not have.
type UnknownInstallmentError struct {
	PaymentID     string
	InscripcionID uint
	NumeroCuota   int
	NumeroCuotas  int
}

func (e *UnknownInstallmentError) Error() string {
	return fmt.Sprintf("payment %s references cuota %d of inscripcion %d which has %d cuota(s)",
		e.PaymentID, e.NumeroCuota, e.InscripcionID, e.NumeroCuotas)
}

func (e *UnknownInstallmentError) Is(target error) bool {
	return target == ErrUnknownInstallment
}

// ReferenceMismatchError means the record stored under a payment id belongs
// to a different registration or cuota than the gateway's external reference.
type ReferenceMismatchError struct {
	PaymentID           string
	StoredInscripcionID uint
	StoredCuota         int
	RefInscripcionID    uint
	RefCuota            int
}

func (e *ReferenceMismatchError) Error() string {
	return fmt.Sprintf("payment %s is stored for inscripcion %d cuota %d but references inscripcion %d cuota %d",
		e.PaymentID, e.StoredInscripcionID, e.StoredCuota, e.RefInscripcionID, e.RefCuota)
}

func (e *ReferenceMismatchError) Is(target error) bool {
	return target == ErrReferenceMismatch
}

// IsRetryable reports whether repeating the operation later may succeed.
// A transient cause wins over data-integrity errors joined with it, since
// the transient part would otherwise be lost.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReconciliationDeferred) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		repository.IsTransient(err) {
		return true
	}
	return false
}

// IsDataIntegrity reports errors that operators must look at.
func IsDataIntegrity(err error) bool {
	return errors.Is(err, ErrDuplicateTerminalStatus) ||
		errors.Is(err, ErrUnknownInstallment) ||
		errors.Is(err, ErrInvalidExternalReference) ||
		errors.Is(err, ErrReferenceMismatch) ||
		errors.Is(err, ErrRegistrationNotFound) ||
		errors.Is(err, ErrInstallmentAlreadyPaid)
}
