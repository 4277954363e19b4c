package installments

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

var (
	ErrInvalidInstallmentCount = errors.New("numero_cuotas must be at least 1")
	ErrNegativeTotal           = errors.New("costo_total must not be negative")
	ErrUnknownInstallment      = errors.New("installment number out of range")
)

// Installment is one scheduled partial payment of a registration.
type Installment struct {
	Numero int         `json:"numero"`
	Monto  money.Money `json:"monto"`
}

// ComputePlan splits total into n installments. Every installment gets the
// floored even share and the last one absorbs the remainder, so the amounts
// always add up to total.
func ComputePlan(total money.Money, n int) ([]Installment, error) {
	if err := validate(total, n); err != nil {
		return nil, err
	}

	share := total / money.Money(n)
	plan := make([]Installment, n)
	for i := 0; i < n; i++ {
		plan[i] = Installment{Numero: i + 1, Monto: share}
	}
	plan[n-1].Monto = total - share*money.Money(n-1)
	return plan, nil
}

// ExpectedAmount returns the amount due for installment numero.
func ExpectedAmount(total money.Money, n, numero int) (money.Money, error) {
	if err := validate(total, n); err != nil {
		return 0, err
	}
	if numero < 1 || numero > n {
		return 0, fmt.Errorf("%w: cuota %d of %d", ErrUnknownInstallment, numero, n)
	}
	share := total / money.Money(n)
	if numero == n {
		return total - share*money.Money(n-1), nil
	}
	return share, nil
}

// Matches reports whether a paid amount equals the expected installment
// amount. Amounts are integers, so no tolerance applies.
func Matches(paid, expected money.Money) bool {
	return paid == expected
}

func validate(total money.Money, n int) error {
	if n < 1 {
		return ErrInvalidInstallmentCount
	}
	if total < 0 {
		return ErrNegativeTotal
	}
	return nil
}
