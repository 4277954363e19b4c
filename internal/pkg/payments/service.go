package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/installments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/paymentlock"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
)

// Result is the outcome of reconciling one gateway payment.
type Result struct {
	Pago      *models.Pago               `json:"pago"`
	Aggregate *statistics.AggregateState `json:"aggregate"`
	Changed   bool                       `json:"changed"`
	Warnings  []error                    `json:"-"`
}

// WarningMessages renders Warnings for JSON responses.
func (r *Result) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// PreferenceResult is the outcome of reconciling every payment of a
// checkout preference. Pending is true while none of them is terminal.
type PreferenceResult struct {
	PreferenceID string                     `json:"preference_id"`
	Payments     []*Result                  `json:"payments"`
	Aggregate    *statistics.AggregateState `json:"aggregate,omitempty"`
	Pending      bool                       `json:"pending"`
}

// Checkout is a gateway preference created for one installment.
type Checkout struct {
	Preference  *Preference              `json:"preference"`
	Installment installments.Installment `json:"installment"`
	Pago        *models.Pago             `json:"pago"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	Topic           string
	PaymentID       string
	PreferenceID    string
	PayloadJSON     string
}

// Service is the reconciliation engine. It is the only writer of payment
// record status.
type Service struct {
	gateway       Gateway
	inscripciones repository.InscripcionRepository
	pagos         repository.PagoRepository
	webhooks      repository.WebhookEventRepository
	locker        paymentlock.Locker
	cfg           Config
}

// NewService creates the engine from injected collaborators.
func NewService(gateway Gateway, repos *repository.Repositories, locker paymentlock.Locker, cfg Config) *Service {
	if locker == nil {
		locker = paymentlock.NewMemoryLocker()
	}
	if cfg.MaxTransitionAttempts < 1 {
		cfg.MaxTransitionAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Service{
		gateway:       gateway,
		inscripciones: repos.Inscripcion,
		pagos:         repos.Pago,
		webhooks:      repos.WebhookEvent,
		locker:        locker,
		cfg:           cfg,
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

// ReconcilePayment brings the local record of paymentID in line with the
// gateway and returns the fresh aggregate of its registration. Reconciling
// the same payment any number of times yields the same end state.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID string) (*Result, error) {
	return s.reconcile(ctx, strings.TrimSpace(paymentID), "")
}

func (s *Service) reconcile(ctx context.Context, paymentID, preferenceID string) (*Result, error) {
	if paymentID == "" {
		return nil, errors.New("payment_id is required")
	}

	lockCtx := ctx
	if s.cfg.LockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.cfg.LockWait)
		defer cancel()
	}
	release, err := s.locker.Acquire(lockCtx, paymentID)
	if err != nil {
		return nil, &DeferredError{Key: "payment " + paymentID, Err: err}
	}
	defer release()

	gp, err := s.fetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	ref, err := ParseExternalReference(gp.ExternalReference)
	if err != nil {
		log.Errorf("[Reconcile] Data integrity: payment %s: %v", paymentID, err)
		return nil, err
	}

	inscripcion, err := s.loadInscripcion(ctx, ref.InscripcionID)
	if err != nil {
		if errors.Is(err, ErrRegistrationNotFound) {
			log.Errorf("[Reconcile] Data integrity: payment %s: %v", paymentID, err)
		}
		return nil, err
	}

	expected, err := installments.ExpectedAmount(inscripcion.Evento.CostoTotal, inscripcion.NumeroCuotas, ref.NumeroCuota)
	if err != nil {
		if errors.Is(err, installments.ErrUnknownInstallment) {
			uerr := &UnknownInstallmentError{
				PaymentID:     paymentID,
				InscripcionID: inscripcion.ID,
				NumeroCuota:   ref.NumeroCuota,
				NumeroCuotas:  inscripcion.NumeroCuotas,
			}
			log.Errorf("[Reconcile] Data integrity: %v", uerr)
			return nil, uerr
		}
		return nil, err
	}

	numero := ref.NumeroCuota
	candidate := &models.Pago{
		InscripcionID: inscripcion.ID,
		NumeroCuota:   &numero,
		Monto:         gp.Amount,
		PaymentID:     &paymentID,
		PreferenceID:  preferenceID,
	}
	var pago *models.Pago
	err = s.withStore(ctx, "payment "+paymentID, func(ctx context.Context) error {
		stored, created, err := s.pagos.UpsertByExternalKey(ctx, candidate)
		if err != nil {
			return err
		}
		if created {
			log.Infof("[Reconcile] Created record %d for payment %s (inscripcion %d cuota %d)", stored.ID, paymentID, inscripcion.ID, numero)
		}
		pago = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pago.InscripcionID != inscripcion.ID || pago.Cuota() != numero {
		mismatch := &ReferenceMismatchError{
			PaymentID:           paymentID,
			StoredInscripcionID: pago.InscripcionID,
			StoredCuota:         pago.Cuota(),
			RefInscripcionID:    inscripcion.ID,
			RefCuota:            numero,
		}
		log.Errorf("[Reconcile] Data integrity: %v", mismatch)
		return nil, mismatch
	}

	changed, warnings, applyErr := s.apply(ctx, pago, gp, expected)

	aggregate, err := s.aggregate(ctx, inscripcion)
	if err != nil {
		return nil, err
	}
	result := &Result{Pago: pago, Aggregate: aggregate, Changed: changed, Warnings: warnings}
	if applyErr != nil {
		return result, applyErr
	}

	if aggregate.PagadoCompleto && inscripcion.Estado != models.InscripcionEstadoConfirmed {
		confirmed, err := s.inscripciones.MarkConfirmed(ctx, inscripcion.ID)
		if err != nil {
			log.Warnf("[Reconcile] Failed to confirm inscripcion %d: %v", inscripcion.ID, err)
		} else if confirmed {
			log.Infof("[Reconcile] Inscripcion %d fully paid, confirmed", inscripcion.ID)
		}
	}
	return result, nil
}

func (s *Service) fetchPayment(ctx context.Context, paymentID string) (*GatewayPayment, error) {
	var gp *GatewayPayment
	attempts, err := s.cfg.Retry.Do(ctx, isTemporary, func(ctx context.Context) error {
		p, err := s.gateway.GetPaymentStatus(ctx, paymentID)
		if err != nil {
			return err
		}
		gp = p
		return nil
	})
	if err == nil {
		return gp, nil
	}
	if isTemporary(err) || ctx.Err() != nil {
		log.Warnf("[Reconcile] Payment %s deferred after %d attempt(s): %v", paymentID, attempts, err)
		return nil, &DeferredError{Key: "payment " + paymentID, Attempts: attempts, Err: err}
	}
	return nil, err
}

// apply runs the state machine for one record. A stale compare-and-set
// re-reads the record and decides again.
func (s *Service) apply(ctx context.Context, pago *models.Pago, gp *GatewayPayment, expected money.Money) (bool, []error, error) {
	paymentID := pago.ExternalPaymentID()
	target, known := MapGatewayStatus(gp.Status)
	if !known {
		log.Warnf("[Reconcile] Payment %s has unmapped gateway status %q, leaving %s", paymentID, gp.Status, pago.Estado)
		return false, nil, nil
	}

	for attempt := 1; ; attempt++ {
		if pago.Estado.IsTerminal() {
			if target.IsTerminal() && target != pago.Estado {
				conflict := &DuplicateTerminalStatusConflictError{
					PaymentID:     paymentID,
					Stored:        pago.Estado,
					Reported:      target,
					GatewayStatus: gp.Status,
				}
				log.Errorf("[Reconcile] Data integrity: %v", conflict)
				return false, nil, conflict
			}
			return false, nil, nil
		}

		update := repository.PagoUpdate{
			Monto:               &gp.Amount,
			GatewayStatus:       gp.Status,
			GatewayStatusDetail: gp.StatusDetail,
		}
		var warnings []error
		if target == models.PagoEstadoCompleted {
			update.ApprovedAt = gp.ApprovedAt
			if !installments.Matches(gp.Amount, expected) {
				mismatch := &AmountMismatchError{
					PaymentID:     paymentID,
					InscripcionID: pago.InscripcionID,
					NumeroCuota:   pago.Cuota(),
					Expected:      expected,
					Paid:          gp.Amount,
				}
				update.RequiereRevision = true
				update.RevisionMotivo = mismatch.Error()
				warnings = append(warnings, mismatch)
			}
		}

		if target == pago.Estado {
			if pago.GatewayStatus == gp.Status && pago.GatewayStatusDetail == gp.StatusDetail && pago.Monto == gp.Amount {
				return false, nil, nil
			}
			return false, nil, s.withStore(ctx, "payment "+paymentID, func(ctx context.Context) error {
				return s.pagos.Touch(ctx, pago, update)
			})
		}

		if !CanTransition(pago.Estado, target) {
			log.Warnf("[Reconcile] Ignoring transition %s -> %s for payment %s", pago.Estado, target, paymentID)
			return false, nil, nil
		}

		from := pago.Estado
		err := s.withStore(ctx, "payment "+paymentID, func(ctx context.Context) error {
			return s.pagos.Transition(ctx, pago, target, update)
		})
		switch {
		case err == nil:
			log.Infof("[Reconcile] Payment %s %s -> %s", paymentID, from, target)
			for _, w := range warnings {
				log.Warnf("[Reconcile] Flagged for review: %v", w)
			}
			return true, warnings, nil
		case errors.Is(err, repository.ErrStaleTransition) && attempt < s.cfg.MaxTransitionAttempts:
			fresh, gerr := s.pagos.GetByPaymentID(ctx, paymentID)
			if gerr != nil {
				return false, nil, gerr
			}
			*pago = *fresh
		case errors.Is(err, repository.ErrInstallmentAlreadyPaid):
			log.Errorf("[Reconcile] Data integrity: payment %s approved for inscripcion %d cuota %d which is already paid",
				paymentID, pago.InscripcionID, pago.Cuota())
			flag := repository.PagoUpdate{
				GatewayStatus:       gp.Status,
				GatewayStatusDetail: gp.StatusDetail,
				RequiereRevision:    true,
				RevisionMotivo:      "approved payment for an installment that is already paid",
			}
			if terr := s.pagos.Touch(ctx, pago, flag); terr != nil {
				log.Warnf("[Reconcile] Failed to flag payment %s for review: %v", paymentID, terr)
			}
			return false, nil, fmt.Errorf("payment %s: %w", paymentID, err)
		default:
			return false, nil, err
		}
	}
}

// withStore retries transient store errors (deadlocks, lock wait timeouts,
// dropped connections). A store that stays unavailable defers the work like
// an unavailable gateway does.
func (s *Service) withStore(ctx context.Context, key string, fn func(context.Context) error) error {
	attempts, err := s.cfg.Retry.Do(ctx, repository.IsTransient, fn)
	if err != nil && repository.IsTransient(err) {
		log.Warnf("[Reconcile] Store busy for %s after %d attempt(s): %v", key, attempts, err)
		return &DeferredError{Key: key, Attempts: attempts, Err: err}
	}
	return err
}

func (s *Service) loadInscripcion(ctx context.Context, id uint) (*models.Inscripcion, error) {
	var inscripcion *models.Inscripcion
	err := s.withStore(ctx, fmt.Sprintf("inscripcion %d", id), func(ctx context.Context) error {
		i, err := s.inscripciones.GetByID(ctx, id)
		if err != nil {
			return err
		}
		inscripcion = i
		return nil
	})
	if repository.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrRegistrationNotFound, id)
	}
	return inscripcion, err
}

func (s *Service) aggregate(ctx context.Context, inscripcion *models.Inscripcion) (*statistics.AggregateState, error) {
	var pagos []models.Pago
	err := s.withStore(ctx, fmt.Sprintf("inscripcion %d", inscripcion.ID), func(ctx context.Context) error {
		var err error
		pagos, err = s.pagos.ListByInscripcion(ctx, inscripcion.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	state := statistics.ComputeAggregate(inscripcion, pagos)
	return &state, nil
}

// ReconcilePreference reconciles every payment the gateway knows for a
// preference. Payments are handled independently and their errors joined.
func (s *Service) ReconcilePreference(ctx context.Context, preferenceID string) (*PreferenceResult, error) {
	preferenceID = strings.TrimSpace(preferenceID)
	if preferenceID == "" {
		return nil, errors.New("preference_id is required")
	}

	var ids []string
	attempts, err := s.cfg.Retry.Do(ctx, isTemporary, func(ctx context.Context) error {
		var err error
		ids, err = s.gateway.GetPreferencePayments(ctx, preferenceID)
		return err
	})
	if err != nil {
		if isTemporary(err) || ctx.Err() != nil {
			log.Warnf("[Reconcile] Preference %s deferred after %d attempt(s): %v", preferenceID, attempts, err)
			return nil, &DeferredError{Key: "preference " + preferenceID, Attempts: attempts, Err: err}
		}
		return nil, err
	}

	out := &PreferenceResult{PreferenceID: preferenceID, Payments: []*Result{}, Pending: true}
	var errs []error
	var inscripcionID uint
	for _, id := range ids {
		res, err := s.reconcile(ctx, id, preferenceID)
		if res != nil {
			out.Payments = append(out.Payments, res)
			inscripcionID = res.Pago.InscripcionID
			if res.Pago.Estado.IsTerminal() {
				out.Pending = false
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", id, err))
		}
	}

	if inscripcionID == 0 {
		placeholders, err := s.pagos.ListByPreference(ctx, preferenceID)
		if err != nil {
			errs = append(errs, err)
		} else if len(placeholders) > 0 {
			inscripcionID = placeholders[0].InscripcionID
		}
	}
	if inscripcionID != 0 {
		inscripcion, err := s.loadInscripcion(ctx, inscripcionID)
		if err == nil {
			out.Aggregate, err = s.aggregate(ctx, inscripcion)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// PollPreference repeats ReconcilePreference until a payment is terminal or
// timeout elapses. On timeout it reports the last known state as pending.
func (s *Service) PollPreference(ctx context.Context, preferenceID string, timeout time.Duration) (*PreferenceResult, error) {
	if timeout <= 0 || (s.cfg.PollMaxTimeout > 0 && timeout > s.cfg.PollMaxTimeout) {
		timeout = s.cfg.PollMaxTimeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	last := &PreferenceResult{PreferenceID: preferenceID, Payments: []*Result{}, Pending: true}
	for {
		res, err := s.ReconcilePreference(pollCtx, preferenceID)
		if res != nil {
			last = res
			if !res.Pending {
				return res, err
			}
		}
		if err != nil && pollCtx.Err() == nil && !IsRetryable(err) {
			return last, err
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			last.Pending = true
			log.Infof("[Reconcile] Poll for preference %s timed out after %s, still pending", preferenceID, timeout)
			return last, nil
		case <-timer.C:
		}
	}
}

// CreateCheckout opens a gateway checkout for one installment and stores a
// PENDING placeholder carrying the preference id.
func (s *Service) CreateCheckout(ctx context.Context, inscripcionID uint, numeroCuota int) (*Checkout, error) {
	inscripcion, err := s.loadInscripcion(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	expected, err := installments.ExpectedAmount(inscripcion.Evento.CostoTotal, inscripcion.NumeroCuotas, numeroCuota)
	if err != nil {
		if errors.Is(err, installments.ErrUnknownInstallment) {
			return nil, &UnknownInstallmentError{InscripcionID: inscripcionID, NumeroCuota: numeroCuota, NumeroCuotas: inscripcion.NumeroCuotas}
		}
		return nil, err
	}

	pagos, err := s.pagos.ListByInscripcion(ctx, inscripcionID)
	if err != nil {
		return nil, err
	}
	for _, p := range pagos {
		if p.Cuota() == numeroCuota && p.Estado == models.PagoEstadoCompleted {
			return nil, fmt.Errorf("inscripcion %d cuota %d: %w", inscripcionID, numeroCuota, ErrInstallmentAlreadyPaid)
		}
	}

	ref := ExternalReference{InscripcionID: inscripcionID, NumeroCuota: numeroCuota}
	req := PreferenceRequest{
		ExternalReference: ref.String(),
		Title:             fmt.Sprintf("%s - cuota %d/%d", inscripcion.Evento.Nombre, numeroCuota, inscripcion.NumeroCuotas),
		Amount:            expected,
		PayerEmail:        inscripcion.Email,
		IdempotencyKey:    uuid.NewString(),
	}
	var pref *Preference
	attempts, err := s.cfg.Retry.Do(ctx, isTemporary, func(ctx context.Context) error {
		var err error
		pref, err = s.gateway.CreatePreference(ctx, req)
		return err
	})
	if err != nil {
		if isTemporary(err) {
			return nil, &DeferredError{Key: "checkout " + ref.String(), Attempts: attempts, Err: err}
		}
		return nil, err
	}

	numero := numeroCuota
	placeholder := &models.Pago{
		InscripcionID: inscripcionID,
		NumeroCuota:   &numero,
		Monto:         expected,
		PreferenceID:  pref.ID,
	}
	if err := s.withStore(ctx, "checkout "+ref.String(), func(ctx context.Context) error {
		return s.pagos.CreatePending(ctx, placeholder)
	}); err != nil {
		return nil, err
	}
	log.Infof("[Checkout] Preference %s for inscripcion %d cuota %d (%s)", pref.ID, inscripcionID, numeroCuota, expected)

	return &Checkout{
		Preference:  pref,
		Installment: installments.Installment{Numero: numeroCuota, Monto: expected},
		Pago:        placeholder,
	}, nil
}

// RecordWebhookEvent persists webhook payloads idempotently. Without a
// provider event id the payload hash is the key.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.PagoWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PagoWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		Topic:           strings.TrimSpace(in.Topic),
		PaymentID:       strings.TrimSpace(in.PaymentID),
		PreferenceID:    strings.TrimSpace(in.PreferenceID),
		PayloadJSON:     in.PayloadJSON,
	}
	return s.webhooks.CreateIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.webhooks.MarkProcessed(ctx, webhookEventID, errMsg)
}

func isTemporary(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
