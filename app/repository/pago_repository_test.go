package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/testutil"
)

func TestPagoRepository_UpsertCreatesOnce(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	insc := testutil.SeedInscripcion(t, db, "100.00", 3)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	candidate := &models.Pago{
		InscripcionID: insc.ID,
		NumeroCuota:   testutil.IntPtr(1),
		Monto:         money.MustParse("33.33"),
		PaymentID:     testutil.StrPtr("mp-1"),
	}

	first, created, err := repo.UpsertByExternalKey(ctx, candidate)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.PagoEstadoPending, first.Estado)

	second, created, err := repo.UpsertByExternalKey(ctx, candidate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.Pago{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPagoRepository_UpsertClaimsPlaceholder(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	insc := testutil.SeedInscripcion(t, db, "100.00", 3)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	placeholder := &models.Pago{
		InscripcionID: insc.ID,
		NumeroCuota:   testutil.IntPtr(2),
		Monto:         money.MustParse("33.33"),
		PreferenceID:  "pref-2",
	}
	require.NoError(t, repo.CreatePending(ctx, placeholder))

	got, created, err := repo.UpsertByExternalKey(ctx, &models.Pago{
		InscripcionID: insc.ID,
		NumeroCuota:   testutil.IntPtr(2),
		Monto:         money.MustParse("33.33"),
		PaymentID:     testutil.StrPtr("mp-2"),
		PreferenceID:  "pref-2",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, placeholder.ID, got.ID)
	assert.Equal(t, "mp-2", got.ExternalPaymentID())
}

func TestPagoRepository_TransitionCompareAndSet(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	insc := testutil.SeedInscripcion(t, db, "100.00", 3)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	pago, _, err := repo.UpsertByExternalKey(ctx, &models.Pago{
		InscripcionID: insc.ID,
		NumeroCuota:   testutil.IntPtr(1),
		Monto:         money.MustParse("33.33"),
		PaymentID:     testutil.StrPtr("mp-1"),
	})
	require.NoError(t, err)

	stale := *pago
	approved := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.Transition(ctx, pago, models.PagoEstadoCompleted, PagoUpdate{
		GatewayStatus: "approved",
		ApprovedAt:    &approved,
	}))
	assert.Equal(t, models.PagoEstadoCompleted, pago.Estado)
	assert.Equal(t, "approved", pago.GatewayStatus)
	require.NotNil(t, pago.CompletedSlot)
	assert.Equal(t, models.CompletedSlotKey(insc.ID, 1), *pago.CompletedSlot)

	err = repo.Transition(ctx, &stale, models.PagoEstadoRejected, PagoUpdate{GatewayStatus: "rejected"})
	assert.ErrorIs(t, err, ErrStaleTransition)

	reloaded, err := repo.GetByPaymentID(ctx, "mp-1")
	require.NoError(t, err)
	assert.Equal(t, models.PagoEstadoCompleted, reloaded.Estado)
}

func TestPagoRepository_SecondCompletionForSameCuota(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	insc := testutil.SeedInscripcion(t, db, "100.00", 3)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	var pagos []*models.Pago
	for _, id := range []string{"mp-a", "mp-b"} {
		p, _, err := repo.UpsertByExternalKey(ctx, &models.Pago{
			InscripcionID: insc.ID,
			NumeroCuota:   testutil.IntPtr(1),
			Monto:         money.MustParse("33.33"),
			PaymentID:     testutil.StrPtr(id),
		})
		require.NoError(t, err)
		pagos = append(pagos, p)
	}
	require.NotEqual(t, pagos[0].ID, pagos[1].ID)

	require.NoError(t, repo.Transition(ctx, pagos[0], models.PagoEstadoCompleted, PagoUpdate{GatewayStatus: "approved"}))
	err := repo.Transition(ctx, pagos[1], models.PagoEstadoCompleted, PagoUpdate{GatewayStatus: "approved"})
	assert.ErrorIs(t, err, ErrInstallmentAlreadyPaid)

	second, err := repo.GetByPaymentID(ctx, "mp-b")
	require.NoError(t, err)
	assert.Equal(t, models.PagoEstadoPending, second.Estado)
}

func TestPagoRepository_TouchFlagsReview(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	insc := testutil.SeedInscripcion(t, db, "100.00", 3)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	pago, _, err := repo.UpsertByExternalKey(ctx, &models.Pago{
		InscripcionID: insc.ID,
		NumeroCuota:   testutil.IntPtr(3),
		Monto:         money.MustParse("30.00"),
		PaymentID:     testutil.StrPtr("mp-3"),
	})
	require.NoError(t, err)

	require.NoError(t, repo.Touch(ctx, pago, PagoUpdate{
		RequiereRevision: true,
		RevisionMotivo:   "amount mismatch",
	}))
	assert.True(t, pago.RequiereRevision)
	assert.Equal(t, "amount mismatch", pago.RevisionMotivo)
	assert.Equal(t, models.PagoEstadoPending, pago.Estado)

	require.NoError(t, repo.Touch(ctx, pago, PagoUpdate{}))
}

func TestPagoRepository_Lists(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	a := testutil.SeedInscripcion(t, db, "100.00", 3)
	b := testutil.SeedInscripcion(t, db, "50.00", 2)
	repo := NewPagoRepository(db)
	ctx := context.Background()

	for i, insc := range []*models.Inscripcion{a, a, b} {
		require.NoError(t, repo.CreatePending(ctx, &models.Pago{
			InscripcionID: insc.ID,
			NumeroCuota:   testutil.IntPtr(i + 1),
			PreferenceID:  "pref-x",
		}))
	}

	byA, err := repo.ListByInscripcion(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, byA, 2)

	both, err := repo.ListByInscripciones(ctx, []uint{a.ID, b.ID})
	require.NoError(t, err)
	assert.Len(t, both, 3)

	none, err := repo.ListByInscripciones(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	byPref, err := repo.ListByPreference(ctx, "pref-x")
	require.NoError(t, err)
	assert.Len(t, byPref, 3)
}

func TestPagoRepository_UpsertRequiresPaymentID(t *testing.T) {
	repo := NewPagoRepository(testutil.NewSQLiteDB(t))
	_, _, err := repo.UpsertByExternalKey(context.Background(), &models.Pago{InscripcionID: 1})
	assert.ErrorIs(t, err, ErrMissingPaymentID)
}
