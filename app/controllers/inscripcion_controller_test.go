package controllers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/testutil"
)

func newInscripcionApp(t *testing.T) (*fiber.App, *repository.Repositories, *models.Inscripcion) {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	repos := repository.NewRepositories(db)
	seeded := testutil.SeedInscripcion(t, db, "100.00", 3)

	ic := NewInscripcionController(statistics.NewService(repos.Inscripcion, repos.Pago), repos)
	app := fiber.New()
	app.Post("/eventos", ic.HandleCreateEvento)
	app.Post("/inscripciones", ic.HandleCreateInscripcion)
	app.Get("/inscripciones/stats", ic.HandleStats)
	app.Get("/inscripciones/:id", ic.HandleGetInscripcion)
	return app, repos, seeded
}

func TestHandleGetInscripcion(t *testing.T) {
	app, repos, seeded := newInscripcionApp(t)
	ctx := context.Background()

	paid := &models.Pago{
		InscripcionID: seeded.ID,
		NumeroCuota:   testutil.IntPtr(1),
		Monto:         3333,
		PaymentID:     testutil.StrPtr("mp-1"),
	}
	stored, _, err := repos.Pago.UpsertByExternalKey(ctx, paid)
	require.NoError(t, err)
	require.NoError(t, repos.Pago.Transition(ctx, stored, models.PagoEstadoCompleted, repository.PagoUpdate{GatewayStatus: "approved"}))

	status, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/inscripciones/%d", seeded.ID), "")
	require.Equal(t, fiber.StatusOK, status)

	cuotas := body["cuotas"].([]interface{})
	require.Len(t, cuotas, 3)
	first := cuotas[0].(map[string]interface{})
	assert.Equal(t, "COMPLETED", first["estado"])
	assert.Equal(t, 33.33, first["monto"])
	last := cuotas[2].(map[string]interface{})
	assert.Equal(t, "PENDING", last["estado"])
	assert.Equal(t, 33.34, last["monto"])

	aggregate := body["aggregate"].(map[string]interface{})
	assert.Equal(t, float64(1), aggregate["cuotas_pagadas"])
	assert.Equal(t, float64(2), aggregate["cuotas_pendientes"])
	assert.Equal(t, 33.33, aggregate["porcentaje_pagado"])
	assert.Equal(t, false, aggregate["pagado_completo"])
}

func TestHandleGetInscripcion_NotFound(t *testing.T) {
	app, _, _ := newInscripcionApp(t)

	status, body := doJSON(t, app, http.MethodGet, "/inscripciones/999", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "inscripcion_not_found", body["error"])

	status, _ = doJSON(t, app, http.MethodGet, "/inscripciones/0", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleStats(t *testing.T) {
	app, _, _ := newInscripcionApp(t)

	status, body := doJSON(t, app, http.MethodGet, "/inscripciones/stats", "")

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(0), body["pagadas_completas"])
	assert.Equal(t, map[string]interface{}{"PENDING": float64(1)}, body["por_estado"])
}

func TestHandleCreateEventoAndInscripcion(t *testing.T) {
	app, _, _ := newInscripcionApp(t)

	status, evento := doJSON(t, app, http.MethodPost, "/eventos", `{"nombre":"Jornadas","costo_total":"250.00"}`)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 250.0, evento["costo_total"])

	body := fmt.Sprintf(`{"evento_id":%v,"nombre":"Luis Gomez","email":"Luis@Example.com","numero_cuotas":4}`, evento["id"])
	status, created := doJSON(t, app, http.MethodPost, "/inscripciones", body)
	require.Equal(t, fiber.StatusCreated, status)

	inscripcion := created["inscripcion"].(map[string]interface{})
	assert.Equal(t, "PENDING", inscripcion["estado"])
	assert.Equal(t, "luis@example.com", inscripcion["email"])
	assert.Equal(t, float64(4), inscripcion["numero_cuotas"])

	cuotas := created["cuotas"].([]interface{})
	require.Len(t, cuotas, 4)
	assert.Equal(t, 62.5, cuotas[3].(map[string]interface{})["monto"])
}

func TestHandleCreateInscripcion_DefaultsToThreeCuotas(t *testing.T) {
	app, _, seeded := newInscripcionApp(t)

	body := fmt.Sprintf(`{"evento_id":%d,"nombre":"Eva","email":"eva@example.com"}`, seeded.EventoID)
	status, created := doJSON(t, app, http.MethodPost, "/inscripciones", body)

	require.Equal(t, fiber.StatusCreated, status)
	assert.Len(t, created["cuotas"], models.DefaultNumeroCuotas)
}

func TestHandleCreateInscripcion_Validation(t *testing.T) {
	app, _, seeded := newInscripcionApp(t)

	status, body := doJSON(t, app, http.MethodPost, "/inscripciones",
		fmt.Sprintf(`{"evento_id":%d,"nombre":"Eva","email":"not-an-email","numero_cuotas":-2}`, seeded.EventoID))
	require.Equal(t, fiber.StatusUnprocessableEntity, status)
	fields := body["fields"].(map[string]interface{})
	assert.Equal(t, "email", fields["email"])
	assert.Equal(t, "gte", fields["numero_cuotas"])

	status, body = doJSON(t, app, http.MethodPost, "/inscripciones", `{"evento_id":999,"nombre":"Eva","email":"eva@example.com"}`)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "evento_not_found", body["error"])

	status, _ = doJSON(t, app, http.MethodPost, "/inscripciones", `{"evento_id":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
