package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Inscripciones/app/controllers"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/testutil"
)

// missingGateway knows no payments at all.
type missingGateway struct{}

func (missingGateway) GetPaymentStatus(ctx context.Context, paymentID string) (*payments.GatewayPayment, error) {
	return nil, &payments.GatewayError{Op: "get payment", StatusCode: http.StatusNotFound, Body: "not found"}
}

func (missingGateway) GetPreferencePayments(ctx context.Context, preferenceID string) ([]string, error) {
	return nil, nil
}

func (missingGateway) CreatePreference(ctx context.Context, req payments.PreferenceRequest) (*payments.Preference, error) {
	return nil, &payments.GatewayError{Op: "create preference", StatusCode: http.StatusBadRequest, Body: "unsupported"}
}

func newTestApp(t *testing.T, opts Options) *fiber.App {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	repos := repository.NewRepositories(db)
	testutil.SeedInscripcion(t, db, "90.00", 3)

	svc := payments.NewService(missingGateway{}, repos, nil, payments.Config{
		Retry:              payments.RetryPolicy{Attempts: 1},
		WebhookSyncTimeout: time.Second,
		PollInterval:       10 * time.Millisecond,
	})
	ctrl := Controllers{
		Payments:      controllers.NewPaymentController(svc, nil, nil),
		Inscripciones: controllers.NewInscripcionController(statistics.NewService(repos.Inscripcion, repos.Pago), repos),
	}

	app := fiber.New()
	InstallRouter(app, ctrl, opts)
	return app
}

func call(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestRoutes(t *testing.T) {
	app := newTestApp(t, Options{LimiterMax: 100, LimiterExpiration: time.Minute})

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		errKey string
	}{
		{name: "health", method: http.MethodGet, target: "/health", status: fiber.StatusOK},
		{name: "stats", method: http.MethodGet, target: "/inscripciones/stats", status: fiber.StatusOK},
		{name: "detail", method: http.MethodGet, target: "/inscripciones/1", status: fiber.StatusOK},
		{name: "detail missing", method: http.MethodGet, target: "/inscripciones/42", status: fiber.StatusNotFound, errKey: "inscripcion_not_found"},
		{name: "reconcile unknown payment", method: http.MethodPost, target: "/payments/123/reconcile", status: fiber.StatusNotFound, errKey: "payment_not_found"},
		{name: "reconcile preference without payments", method: http.MethodPost, target: "/payments/by-preference/pref-1/reconcile", status: fiber.StatusOK},
		{name: "webhook without identifiers", method: http.MethodPost, target: "/payments/webhook", body: `{"type":"payment"}`, status: fiber.StatusBadRequest},
		{name: "create evento", method: http.MethodPost, target: "/eventos", body: `{"nombre":"Taller","costo_total":10}`, status: fiber.StatusCreated},
		{name: "unknown route", method: http.MethodGet, target: "/nope", status: fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, app, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, status)
			if tt.errKey != "" {
				assert.Equal(t, tt.errKey, body["error"])
			}
		})
	}
}

func TestRoutes_ManualEndpointsAreRateLimited(t *testing.T) {
	app := newTestApp(t, Options{LimiterMax: 2, LimiterExpiration: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := call(t, app, http.MethodGet, "/inscripciones/stats", "")
		require.Equal(t, fiber.StatusOK, status)
	}
	status, body := call(t, app, http.MethodGet, "/inscripciones/stats", "")
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["error"])

	// webhooks bypass the limiter
	status, _ = call(t, app, http.MethodPost, "/payments/webhook", `{"type":"payment"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestOpsRoutes(t *testing.T) {
	app := newTestApp(t, Options{
		MetricsUser:     "ops",
		MetricsPassword: "secret",
		OpenAPIFile:     "../../../public/docs/v1/openapi.yml",
	})

	status, _ := call(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	status, _ = call(t, app, http.MethodGet, "/docs/api/v1", "")
	assert.Equal(t, fiber.StatusOK, status)
}

func TestOpsRoutes_DisabledWithoutConfig(t *testing.T) {
	app := newTestApp(t, Options{OpenAPIFile: "does/not/exist.yml"})

	status, _ := call(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	status, _ = call(t, app, http.MethodGet, "/docs/api/v1", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestLoadOptions(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "7")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_STORAGE", "redis")
	t.Setenv("METRICS_USER", "ops")

	opts := LoadOptions(nil)

	assert.Equal(t, 7, opts.LimiterMax)
	assert.Equal(t, 30*time.Second, opts.LimiterExpiration)
	assert.Nil(t, opts.LimiterStorage)
	assert.Equal(t, "ops", opts.MetricsUser)
	assert.Equal(t, "./public/docs/v1/openapi.yml", opts.OpenAPIFile)
}

func TestNewLimiterStorage(t *testing.T) {
	client := testutil.NewRedisClient(t, 13)

	storage := NewLimiterStorage(client)
	t.Cleanup(func() { _ = storage.Close() })

	require.NoError(t, storage.Set("limiter-test", []byte("1"), time.Minute))
	got, err := storage.Get("limiter-test")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
	require.NoError(t, storage.Delete("limiter-test"))
}
