package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

type fakeGateway struct {
	mu          sync.Mutex
	payments    map[string]*GatewayPayment
	preferences map[string][]string
	outages     map[string]int
	errs        map[string]error
	calls       map[string]int
	created     []PreferenceRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments:    map[string]*GatewayPayment{},
		preferences: map[string][]string{},
		outages:     map[string]int{},
		errs:        map[string]error{},
		calls:       map[string]int{},
	}
}

func (g *fakeGateway) setPayment(id, status, amount string, inscID uint, cuota int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id] = &GatewayPayment{
		ID:                id,
		Status:            status,
		Amount:            money.MustParse(amount),
		ExternalReference: ExternalReference{InscripcionID: inscID, NumeroCuota: cuota}.String(),
	}
}

func (g *fakeGateway) setStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id].Status = status
}

func (g *fakeGateway) callCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *fakeGateway) GetPaymentStatus(ctx context.Context, paymentID string) (*GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[paymentID]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.outages[paymentID] != 0 {
		if g.outages[paymentID] > 0 {
			g.outages[paymentID]--
		}
		return nil, &GatewayError{Op: "get_payment", StatusCode: 503, Temporary: true}
	}
	if err := g.errs[paymentID]; err != nil {
		return nil, err
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, &GatewayError{Op: "get_payment", StatusCode: 404}
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) GetPreferencePayments(ctx context.Context, preferenceID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["pref:"+preferenceID]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), g.preferences[preferenceID]...), nil
}

func (g *fakeGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	id := fmt.Sprintf("pref-%d", len(g.created))
	return &Preference{ID: id, InitPoint: "https://checkout.example/" + id}, nil
}
