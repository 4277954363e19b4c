package controllers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/installments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
)

// RegistrationReader is the read side used by the registration views.
type RegistrationReader interface {
	GetDetail(ctx context.Context, inscripcionID uint) (*statistics.RegistrationDetail, error)
	GetRegistrationStats(ctx context.Context) (*statistics.RegistrationStats, error)
}

// ============================================================================
// INSCRIPCION CONTROLLER - Repository Pattern
// ============================================================================

// InscripcionController serves registrations, their installment plan and
// the list statistics.
type InscripcionController struct {
	reader        RegistrationReader
	eventos       repository.EventoRepository
	inscripciones repository.InscripcionRepository
}

// NewInscripcionController creates the controller with its repositories.
func NewInscripcionController(reader RegistrationReader, repos *repository.Repositories) *InscripcionController {
	return &InscripcionController{
		reader:        reader,
		eventos:       repos.Evento,
		inscripciones: repos.Inscripcion,
	}
}

type createEventoRequest struct {
	Nombre      string      `json:"nombre" validate:"required,max=255"`
	CostoTotal  money.Money `json:"costo_total" validate:"gte=0"`
	FechaEvento *time.Time  `json:"fecha_evento"`
}

type createInscripcionRequest struct {
	EventoID     uint   `json:"evento_id" validate:"required"`
	Nombre       string `json:"nombre" validate:"required,max=255"`
	Email        string `json:"email" validate:"required,email,max=255"`
	NumeroCuotas int    `json:"numero_cuotas" validate:"omitempty,gte=1,lte=48"`
}

var requestValidator = newRequestValidator()

// newRequestValidator reports fields by their JSON names.
func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HandleCreateEvento creates an event.
func (ic *InscripcionController) HandleCreateEvento(c *fiber.Ctx) error {
	var req createEventoRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid JSON body"})
	}
	if err := requestValidator.Struct(&req); err != nil {
		return validationError(c, err)
	}

	evento := &models.Evento{
		Nombre:      strings.TrimSpace(req.Nombre),
		CostoTotal:  req.CostoTotal,
		FechaEvento: req.FechaEvento,
	}
	if err := ic.eventos.Create(c.UserContext(), evento); err != nil {
		log.Errorf("[Inscripciones] Failed to create evento: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.Status(fiber.StatusCreated).JSON(evento)
}

// HandleCreateInscripcion registers someone for an event and returns the
// installment plan they committed to.
func (ic *InscripcionController) HandleCreateInscripcion(c *fiber.Ctx) error {
	var req createInscripcionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid JSON body"})
	}
	if err := requestValidator.Struct(&req); err != nil {
		return validationError(c, err)
	}

	ctx := c.UserContext()
	evento, err := ic.eventos.GetByID(ctx, req.EventoID)
	if err != nil {
		if repository.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "evento_not_found"})
		}
		log.Errorf("[Inscripciones] Failed to load evento %d: %v", req.EventoID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	inscripcion := &models.Inscripcion{
		EventoID:     evento.ID,
		Nombre:       strings.TrimSpace(req.Nombre),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		NumeroCuotas: req.NumeroCuotas,
	}
	inscripcion.ApplyDefaults()
	if err := inscripcion.Validate(); err != nil {
		return validationError(c, err)
	}

	plan, err := installments.ComputePlan(evento.CostoTotal, inscripcion.NumeroCuotas)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_plan", "message": err.Error()})
	}

	if err := ic.inscripciones.Create(ctx, inscripcion); err != nil {
		log.Errorf("[Inscripciones] Failed to create inscripcion: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	inscripcion.Evento = *evento

	log.Infof("[Inscripciones] Created inscripcion %d for evento %d (%d cuotas)", inscripcion.ID, evento.ID, inscripcion.NumeroCuotas)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"inscripcion": inscripcion,
		"cuotas":      plan,
	})
}

// HandleGetInscripcion returns a registration with its installment states
// and aggregate payment progress.
func (ic *InscripcionController) HandleGetInscripcion(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid inscripcion id"})
	}

	detail, err := ic.reader.GetDetail(c.UserContext(), uint(id))
	if err != nil {
		if repository.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "inscripcion_not_found"})
		}
		log.Errorf("[Inscripciones] Failed to load detail for %d: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(detail)
}

// HandleStats returns counters over every registration.
func (ic *InscripcionController) HandleStats(c *fiber.Ctx) error {
	stats, err := ic.reader.GetRegistrationStats(c.UserContext())
	if err != nil {
		log.Errorf("[Inscripciones] Failed to compute stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(stats)
}

func validationError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "fields": fields})
	}
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
}
