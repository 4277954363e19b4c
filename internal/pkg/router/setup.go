package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Inscripciones/app/controllers"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Controllers are the handlers the routers dispatch to.
type Controllers struct {
	Payments      *controllers.PaymentController
	Inscripciones *controllers.InscripcionController
}

func InstallRouter(app *fiber.App, ctrl Controllers, opts Options) {
	// Ops routes first so /metrics and /docs are not behind the API limiter.
	setup(app, NewOpsRouter(opts), NewApiRouter(ctrl, opts))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
