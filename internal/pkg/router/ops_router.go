package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
)

// OpsRouter serves the fiber monitor and the API docs.
type OpsRouter struct {
	opts Options
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	// fiber metrics, only with credentials
	if h.opts.MetricsUser != "" && h.opts.MetricsPassword != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				h.opts.MetricsUser: h.opts.MetricsPassword,
			},
		}), monitor.New(monitor.Config{Title: "Inscripciones Metrics"}))
	}

	// SWAGGER / OPENAPI
	if h.opts.OpenAPIFile == "" {
		return
	}
	if _, err := os.Stat(h.opts.OpenAPIFile); err != nil {
		log.Warnf("[Router] OpenAPI document %s not available, docs disabled: %v", h.opts.OpenAPIFile, err)
		return
	}
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: h.opts.OpenAPIFile,
		Path:     "v1",
		Title:    "Inscripciones API",
	}))
}

func NewOpsRouter(opts Options) *OpsRouter {
	return &OpsRouter{opts: opts}
}
