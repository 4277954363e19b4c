package payments

import (
	"strings"
	"time"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
)

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config collects gateway, retry, webhook and lock settings.
type Config struct {
	AccessToken     string
	APIBaseURL      string
	CurrencyID      string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	HTTPTimeout     time.Duration

	Retry                 RetryPolicy
	MaxTransitionAttempts int

	WebhookAsync       bool
	WebhookSyncTimeout time.Duration

	PollInterval   time.Duration
	PollMaxTimeout time.Duration

	LockBackend string
	LockTTL     time.Duration
	LockWait    time.Duration
}

func LoadConfig() Config {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	notificationURL := strings.TrimSpace(env.GetEnv("MP_NOTIFICATION_URL", ""))
	if notificationURL == "" && base != "" {
		notificationURL = base + "/payments/webhook"
	}

	return Config{
		AccessToken:     strings.TrimSpace(env.GetEnv("MP_ACCESS_TOKEN", "")),
		APIBaseURL:      strings.TrimSpace(env.GetEnv("MP_API_BASE_URL", defaultMercadoPagoBaseURL)),
		CurrencyID:      strings.TrimSpace(env.GetEnv("MP_CURRENCY_ID", "ARS")),
		NotificationURL: notificationURL,
		SuccessURL:      strings.TrimSpace(env.GetEnv("MP_SUCCESS_URL", "")),
		FailureURL:      strings.TrimSpace(env.GetEnv("MP_FAILURE_URL", "")),
		PendingURL:      strings.TrimSpace(env.GetEnv("MP_PENDING_URL", "")),
		HTTPTimeout:     env.GetEnvDuration("MP_HTTP_TIMEOUT", 10*time.Second),

		Retry: RetryPolicy{
			Attempts:  env.GetEnvInt("RECONCILE_RETRY_ATTEMPTS", 3),
			BaseDelay: env.GetEnvDuration("RECONCILE_RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:  env.GetEnvDuration("RECONCILE_RETRY_MAX_DELAY", 2*time.Second),
		},
		MaxTransitionAttempts: env.GetEnvInt("RECONCILE_MAX_TRANSITION_ATTEMPTS", 3),

		WebhookAsync:       env.GetEnvBool("WEBHOOK_ASYNC", false),
		WebhookSyncTimeout: env.GetEnvDuration("WEBHOOK_SYNC_TIMEOUT", 800*time.Millisecond),

		PollInterval:   env.GetEnvDuration("POLL_INTERVAL", time.Second),
		PollMaxTimeout: env.GetEnvDuration("POLL_MAX_TIMEOUT", 30*time.Second),

		LockBackend: strings.ToLower(strings.TrimSpace(env.GetEnv("PAYMENT_LOCK_BACKEND", LockBackendMemory))),
		LockTTL:     env.GetEnvDuration("PAYMENT_LOCK_TTL", 30*time.Second),
		LockWait:    env.GetEnvDuration("PAYMENT_LOCK_WAIT", 10*time.Second),
	}
}
