package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// ApiRouter registers the payment and registration endpoints.
type ApiRouter struct {
	ctrl Controllers
	opts Options
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// gateway notifications are not rate limited
	payments := app.Group("/payments")
	payments.Post("/webhook", h.ctrl.Payments.HandleWebhook)

	limit := h.limiter()
	manual := payments.Group("", limit)
	manual.Post("/:paymentId/reconcile", h.ctrl.Payments.HandleReconcilePayment)
	manual.Post("/by-preference/:preferenceId/reconcile", h.ctrl.Payments.HandleReconcilePreference)
	manual.Get("/by-preference/:preferenceId/status", h.ctrl.Payments.HandlePreferenceStatus)

	app.Post("/eventos", limit, h.ctrl.Inscripciones.HandleCreateEvento)

	inscripciones := app.Group("/inscripciones", limit)
	inscripciones.Post("/", h.ctrl.Inscripciones.HandleCreateInscripcion)
	inscripciones.Get("/stats", h.ctrl.Inscripciones.HandleStats)
	inscripciones.Get("/:id", h.ctrl.Inscripciones.HandleGetInscripcion)
	inscripciones.Post("/:id/cuotas/:numero/checkout", h.ctrl.Payments.HandleCheckout)
}

func (h ApiRouter) limiter() fiber.Handler {
	cfg := limiter.Config{
		Max:        h.opts.LimiterMax,
		Expiration: h.opts.LimiterExpiration,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}
	if h.opts.LimiterStorage != nil {
		cfg.Storage = h.opts.LimiterStorage
	}
	return limiter.New(cfg)
}

func NewApiRouter(ctrl Controllers, opts Options) *ApiRouter {
	return &ApiRouter{ctrl: ctrl, opts: opts}
}
