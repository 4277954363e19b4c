package installments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

func amounts(plan []Installment) []string {
	out := make([]string, len(plan))
	for i, p := range plan {
		out[i] = p.Monto.String()
	}
	return out
}

func TestComputePlan_Scenarios(t *testing.T) {
	tests := []struct {
		name  string
		total string
		n     int
		want  []string
	}{
		{name: "even split", total: "300.00", n: 3, want: []string{"100.00", "100.00", "100.00"}},
		{name: "remainder on last", total: "100.00", n: 3, want: []string{"33.33", "33.33", "33.34"}},
		{name: "single installment", total: "250.75", n: 1, want: []string{"250.75"}},
		{name: "zero total", total: "0", n: 4, want: []string{"0.00", "0.00", "0.00", "0.00"}},
		{name: "more installments than cents", total: "0.02", n: 3, want: []string{"0.00", "0.00", "0.02"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ComputePlan(money.MustParse(tt.total), tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amounts(plan))
			for i, p := range plan {
				assert.Equal(t, i+1, p.Numero)
			}
		})
	}
}

func TestComputePlan_SumEqualsTotal(t *testing.T) {
	totals := []money.Money{0, 1, 2, 99, 100, 101, 3333, 10000, 12345, 99999, 1000001}
	for _, total := range totals {
		for n := 1; n <= 24; n++ {
			plan, err := ComputePlan(total, n)
			require.NoError(t, err)
			require.Len(t, plan, n)

			var sum money.Money
			for _, p := range plan {
				assert.GreaterOrEqual(t, int64(p.Monto), int64(0))
				sum += p.Monto
			}
			assert.Equal(t, total, sum, "total=%s n=%d", total, n)
		}
	}
}

func TestComputePlan_InvalidInput(t *testing.T) {
	_, err := ComputePlan(money.MustParse("100"), 0)
	assert.ErrorIs(t, err, ErrInvalidInstallmentCount)

	_, err = ComputePlan(money.Money(-1), 3)
	assert.ErrorIs(t, err, ErrNegativeTotal)
}

func TestExpectedAmount(t *testing.T) {
	total := money.MustParse("100.00")

	for numero, want := range map[int]string{1: "33.33", 2: "33.33", 3: "33.34"} {
		got, err := ExpectedAmount(total, 3, numero)
		require.NoError(t, err)
		assert.Equal(t, want, got.String())
	}

	_, err := ExpectedAmount(total, 3, 0)
	assert.ErrorIs(t, err, ErrUnknownInstallment)
	_, err = ExpectedAmount(total, 3, 4)
	assert.ErrorIs(t, err, ErrUnknownInstallment)
}

func TestExpectedAmount_AgreesWithPlan(t *testing.T) {
	total := money.Money(98765)
	plan, err := ComputePlan(total, 7)
	require.NoError(t, err)
	for _, p := range plan {
		got, err := ExpectedAmount(total, 7, p.Numero)
		require.NoError(t, err)
		assert.Equal(t, p.Monto, got)
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(10000, 10000))
	assert.False(t, Matches(9999, 10000))
}
