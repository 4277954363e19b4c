package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/webhookarchive"
)

const manualReconcileTimeout = 30 * time.Second

// PaymentService is the reconciliation engine as seen by HTTP handlers.
type PaymentService interface {
	ReconcilePayment(ctx context.Context, paymentID string) (*payments.Result, error)
	ReconcilePreference(ctx context.Context, preferenceID string) (*payments.PreferenceResult, error)
	PollPreference(ctx context.Context, preferenceID string, timeout time.Duration) (*payments.PreferenceResult, error)
	CreateCheckout(ctx context.Context, inscripcionID uint, numeroCuota int) (*payments.Checkout, error)
	RecordWebhookEvent(ctx context.Context, in payments.WebhookEventInput) (bool, *models.PagoWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error
	Config() payments.Config
}

// ReconcileEnqueuer hands reconciliations to the background queue.
type ReconcileEnqueuer interface {
	EnqueueReconcilePayment(paymentID string, webhookEventID uint) (*jobqueue.Job, error)
	EnqueueReconcilePreference(preferenceID string, webhookEventID uint) (*jobqueue.Job, error)
}

// ============================================================================
// PAYMENT CONTROLLER
// ============================================================================

// PaymentController serves gateway webhooks and operator reconciliation routes.
type PaymentController struct {
	service PaymentService
	queue   ReconcileEnqueuer
	archive webhookarchive.Archiver
}

// NewPaymentController wires the controller. queue and archive may be nil.
func NewPaymentController(service PaymentService, queue ReconcileEnqueuer, archive webhookarchive.Archiver) *PaymentController {
	if archive == nil {
		archive = webhookarchive.NoopArchiver{}
	}
	return &PaymentController{service: service, queue: queue, archive: archive}
}

type resultResponse struct {
	*payments.Result
	Warnings []string `json:"warnings,omitempty"`
}

func newResultResponse(res *payments.Result) *resultResponse {
	if res == nil {
		return nil
	}
	return &resultResponse{Result: res, Warnings: res.WarningMessages()}
}

type preferenceResponse struct {
	PreferenceID string                     `json:"preference_id"`
	Payments     []*resultResponse          `json:"payments"`
	Aggregate    *statistics.AggregateState `json:"aggregate,omitempty"`
	Pending      bool                       `json:"pending"`
	Errors       []string                   `json:"errors,omitempty"`
}

func newPreferenceResponse(res *payments.PreferenceResult, err error) *preferenceResponse {
	out := &preferenceResponse{
		PreferenceID: res.PreferenceID,
		Payments:     make([]*resultResponse, 0, len(res.Payments)),
		Aggregate:    res.Aggregate,
		Pending:      res.Pending,
	}
	for _, p := range res.Payments {
		out.Payments = append(out.Payments, newResultResponse(p))
	}
	if err != nil {
		// errors.Join separates its parts with newlines
		out.Errors = strings.Split(err.Error(), "\n")
	}
	return out
}

// HandleWebhook accepts a gateway notification, logs it once, and reconciles
// it inline or through the queue.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	query, _ := url.ParseQuery(string(c.Request().URI().QueryString()))

	notification, err := payments.ParseWebhook(rawBody, query)
	if err != nil {
		log.Warnf("[Webhook] Rejected notification: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": err.Error()})
	}

	cfg := pc.service.Config()
	ctx := c.UserContext()

	payload := rawBody
	if len(strings.TrimSpace(string(payload))) == 0 {
		// IPN deliveries carry everything in the query string
		payload, _ = json.Marshal(query)
	}

	created, stored, err := pc.service.RecordWebhookEvent(ctx, payments.WebhookEventInput{
		Provider:        models.PaymentProviderMercadoPago,
		ProviderEventID: notification.EventID,
		Topic:           notification.Topic,
		PaymentID:       notification.PaymentID,
		PreferenceID:    notification.PreferenceID,
		PayloadJSON:     string(payload),
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to persist notification: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	duplicate := !created
	log.Infof("[Webhook] %s notification payment=%s preference=%s event=%d duplicate=%t",
		notification.Topic, notification.PaymentID, notification.PreferenceID, stored.ID, duplicate)

	if created {
		if err := pc.archive.Archive(ctx, webhookarchive.Record{
			Provider:   stored.Provider,
			EventID:    stored.ProviderEventID,
			Topic:      stored.Topic,
			ReceivedAt: stored.CreatedAt,
			Payload:    payload,
		}); err != nil {
			log.Warnf("[Webhook] Archive of event %d failed: %v", stored.ID, err)
		}
	}

	if duplicate && alreadyHandled(stored) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if !notification.HasTarget() {
		// merchant_order without payment ids; the payment notifications follow
		_ = pc.service.MarkWebhookProcessed(ctx, stored.ID, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": duplicate, "ignored": true})
	}

	if cfg.WebhookAsync && pc.queue != nil {
		if err := pc.enqueue(notification, stored.ID); err == nil {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": duplicate, "queued": true})
		}
	}

	syncCtx, cancel := context.WithTimeout(ctx, cfg.WebhookSyncTimeout)
	defer cancel()

	var (
		reconcileErr error
		stillPending bool
	)
	if notification.PaymentID != "" {
		_, reconcileErr = pc.service.ReconcilePayment(syncCtx, notification.PaymentID)
	} else {
		var res *payments.PreferenceResult
		res, reconcileErr = pc.service.ReconcilePreference(syncCtx, notification.PreferenceID)
		stillPending = reconcileErr == nil && res != nil && res.Pending
	}

	if (payments.IsRetryable(reconcileErr) || stillPending) && pc.queue != nil {
		if err := pc.enqueue(notification, stored.ID); err == nil {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": duplicate, "deferred": true})
		}
	}

	if reconcileErr != nil {
		if payments.IsDataIntegrity(reconcileErr) {
			log.Errorf("[Webhook] Data integrity error for event %d: %v", stored.ID, reconcileErr)
		} else {
			log.Warnf("[Webhook] Reconciliation for event %d failed: %v", stored.ID, reconcileErr)
		}
	}
	if err := pc.service.MarkWebhookProcessed(ctx, stored.ID, reconcileErr); err != nil {
		log.Errorf("[Webhook] Failed to mark event %d processed: %v", stored.ID, err)
	}

	resp := fiber.Map{"ok": true, "duplicate": duplicate}
	if reconcileErr != nil {
		resp["error"] = errorCode(reconcileErr)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// alreadyHandled reports whether a redelivered event was processed cleanly
// before. Hash-keyed events are always reconciled again since two distinct
// deliveries may share a body.
func alreadyHandled(event *models.PagoWebhookEvent) bool {
	return event.ProcessedAt != nil &&
		event.ProcessingError == "" &&
		!strings.HasPrefix(event.ProviderEventID, "hash:")
}

func (pc *PaymentController) enqueue(n *payments.WebhookNotification, webhookEventID uint) error {
	var err error
	if n.PaymentID != "" {
		_, err = pc.queue.EnqueueReconcilePayment(n.PaymentID, webhookEventID)
	} else {
		_, err = pc.queue.EnqueueReconcilePreference(n.PreferenceID, webhookEventID)
	}
	if err != nil {
		log.Errorf("[Webhook] Failed to enqueue event %d: %v", webhookEventID, err)
	}
	return err
}

// HandleReconcilePayment reconciles one gateway payment on demand.
func (pc *PaymentController) HandleReconcilePayment(c *fiber.Ctx) error {
	paymentID := strings.TrimSpace(c.Params("paymentId"))
	if paymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "paymentId missing"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), manualReconcileTimeout)
	defer cancel()

	res, err := pc.service.ReconcilePayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payments.ErrReconciliationDeferred) && pc.queue != nil {
			if _, qErr := pc.queue.EnqueueReconcilePayment(paymentID, 0); qErr != nil {
				log.Errorf("[Reconcile] Failed to enqueue payment %s: %v", paymentID, qErr)
			}
		}
		return pc.reconcileError(c, err, newResultResponse(res))
	}
	return c.Status(fiber.StatusOK).JSON(newResultResponse(res))
}

// HandleReconcilePreference reconciles every payment of a preference.
func (pc *PaymentController) HandleReconcilePreference(c *fiber.Ctx) error {
	preferenceID := strings.TrimSpace(c.Params("preferenceId"))
	if preferenceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "preferenceId missing"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), manualReconcileTimeout)
	defer cancel()

	res, err := pc.service.ReconcilePreference(ctx, preferenceID)
	if res == nil {
		if errors.Is(err, payments.ErrReconciliationDeferred) && pc.queue != nil {
			if _, qErr := pc.queue.EnqueueReconcilePreference(preferenceID, 0); qErr != nil {
				log.Errorf("[Reconcile] Failed to enqueue preference %s: %v", preferenceID, qErr)
			}
		}
		return pc.reconcileError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(newPreferenceResponse(res, err))
}

// HandlePreferenceStatus polls the gateway until a payment of the
// preference is terminal or ?timeout= elapses.
func (pc *PaymentController) HandlePreferenceStatus(c *fiber.Ctx) error {
	preferenceID := strings.TrimSpace(c.Params("preferenceId"))
	if preferenceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "preferenceId missing"})
	}
	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	res, err := pc.service.PollPreference(c.UserContext(), preferenceID, timeout)
	if res == nil {
		return pc.reconcileError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(newPreferenceResponse(res, err))
}

// HandleCheckout opens a gateway checkout for one installment.
func (pc *PaymentController) HandleCheckout(c *fiber.Ctx) error {
	inscripcionID, err := c.ParamsInt("id")
	if err != nil || inscripcionID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid inscripcion id"})
	}
	numero, err := c.ParamsInt("numero")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid cuota number"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), manualReconcileTimeout)
	defer cancel()

	checkout, err := pc.service.CreateCheckout(ctx, uint(inscripcionID), numero)
	if err != nil {
		return pc.reconcileError(c, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(checkout)
}

// reconcileError maps engine errors to HTTP statuses.
func (pc *PaymentController) reconcileError(c *fiber.Ctx, err error, result *resultResponse) error {
	status := errorStatus(err)
	body := fiber.Map{"error": errorCode(err), "message": err.Error()}
	if result != nil {
		body["result"] = result
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Reconcile] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(body)
}

func errorStatus(err error) int {
	var gwErr *payments.GatewayError
	switch {
	case errors.Is(err, payments.ErrReconciliationDeferred):
		return fiber.StatusAccepted
	case errors.Is(err, payments.ErrDuplicateTerminalStatus),
		errors.Is(err, payments.ErrInstallmentAlreadyPaid),
		errors.Is(err, payments.ErrReferenceMismatch):
		return fiber.StatusConflict
	case errors.Is(err, payments.ErrUnknownInstallment),
		errors.Is(err, payments.ErrInvalidExternalReference):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrPaymentNotFound),
		errors.Is(err, payments.ErrRegistrationNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &gwErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, payments.ErrReconciliationDeferred):
		return "reconciliation_deferred"
	case errors.Is(err, payments.ErrDuplicateTerminalStatus):
		return "duplicate_terminal_status_conflict"
	case errors.Is(err, payments.ErrInstallmentAlreadyPaid):
		return "installment_already_paid"
	case errors.Is(err, payments.ErrReferenceMismatch):
		return "reference_mismatch"
	case errors.Is(err, payments.ErrUnknownInstallment):
		return "unknown_installment"
	case errors.Is(err, payments.ErrInvalidExternalReference):
		return "invalid_external_reference"
	case errors.Is(err, payments.ErrPaymentNotFound):
		return "payment_not_found"
	case errors.Is(err, payments.ErrRegistrationNotFound):
		return "registration_not_found"
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		var gwErr *payments.GatewayError
		if errors.As(err, &gwErr) {
			return "gateway_error"
		}
		return "internal_error"
	}
}

// parseTimeout accepts Go durations ("10s", "1500ms") or plain seconds.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, errors.New("timeout must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid timeout, use e.g. 10s")
	}
	if d < 0 {
		return 0, errors.New("timeout must not be negative")
	}
	return d, nil
}
