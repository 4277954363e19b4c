package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

const defaultMercadoPagoBaseURL = "https://api.mercadopago.com"

// MercadoPagoClient implements Gateway over the Mercado Pago REST API.
type MercadoPagoClient struct {
	AccessToken     string
	APIBaseURL      string
	CurrencyID      string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string

	HTTPClient *http.Client
}

func NewMercadoPagoClient(cfg Config) *MercadoPagoClient {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultMercadoPagoBaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MercadoPagoClient{
		AccessToken:     cfg.AccessToken,
		APIBaseURL:      strings.TrimRight(baseURL, "/"),
		CurrencyID:      cfg.CurrencyID,
		NotificationURL: cfg.NotificationURL,
		SuccessURL:      cfg.SuccessURL,
		FailureURL:      cfg.FailureURL,
		PendingURL:      cfg.PendingURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type mpPaymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	TransactionAmount json.Number `json:"transaction_amount"`
	DateApproved      *string     `json:"date_approved"`
	ExternalReference string      `json:"external_reference"`
}

func (c *MercadoPagoClient) GetPaymentStatus(ctx context.Context, paymentID string) (*GatewayPayment, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, errors.New("payment id is required")
	}

	body, err := c.do(ctx, "get_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}

	var raw mpPaymentResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &GatewayError{Op: "get_payment", Err: fmt.Errorf("decode payment: %w", err)}
	}

	out := &GatewayPayment{
		ID:                raw.ID.String(),
		Status:            strings.ToLower(strings.TrimSpace(raw.Status)),
		StatusDetail:      raw.StatusDetail,
		ExternalReference: raw.ExternalReference,
	}
	if out.ID == "" {
		out.ID = id
	}
	if raw.TransactionAmount != "" {
		d, err := decimal.NewFromString(raw.TransactionAmount.String())
		if err != nil {
			return nil, &GatewayError{Op: "get_payment", Err: fmt.Errorf("decode transaction_amount: %w", err)}
		}
		amount, err := money.FromDecimal(d)
		if err != nil {
			return nil, &GatewayError{Op: "get_payment", Err: err}
		}
		out.Amount = amount
	}
	if raw.DateApproved != nil && *raw.DateApproved != "" {
		t, err := time.Parse(time.RFC3339, *raw.DateApproved)
		if err != nil {
			return nil, &GatewayError{Op: "get_payment", Err: fmt.Errorf("decode date_approved: %w", err)}
		}
		out.ApprovedAt = &t
	}
	return out, nil
}

func (c *MercadoPagoClient) GetPreferencePayments(ctx context.Context, preferenceID string) ([]string, error) {
	id := strings.TrimSpace(preferenceID)
	if id == "" {
		return nil, errors.New("preference id is required")
	}

	q := url.Values{}
	q.Set("preference_id", id)
	body, err := c.do(ctx, "search_merchant_orders", http.MethodGet, "/merchant_orders/search?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	type rawResponse struct {
		Elements []struct {
			ID           json.Number `json:"id"`
			PreferenceID string      `json:"preference_id"`
			Payments     []struct {
				ID json.Number `json:"id"`
			} `json:"payments"`
		} `json:"elements"`
	}
	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &GatewayError{Op: "search_merchant_orders", Err: fmt.Errorf("decode merchant orders: %w", err)}
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, order := range raw.Elements {
		if order.PreferenceID != "" && order.PreferenceID != id {
			continue
		}
		for _, p := range order.Payments {
			pid := p.ID.String()
			if pid == "" {
				continue
			}
			if _, ok := seen[pid]; ok {
				continue
			}
			seen[pid] = struct{}{}
			ids = append(ids, pid)
		}
	}
	return ids, nil
}

func (c *MercadoPagoClient) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if req.ExternalReference == "" {
		return nil, errors.New("external reference is required")
	}
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	payload := map[string]interface{}{
		"items": []map[string]interface{}{{
			"id":          req.ExternalReference,
			"title":       req.Title,
			"quantity":    1,
			"unit_price":  json.Number(req.Amount.String()),
			"currency_id": c.CurrencyID,
		}},
		"external_reference": req.ExternalReference,
	}
	if req.PayerEmail != "" {
		payload["payer"] = map[string]string{"email": req.PayerEmail}
	}
	if c.NotificationURL != "" {
		payload["notification_url"] = c.NotificationURL
	}
	if c.SuccessURL != "" || c.FailureURL != "" || c.PendingURL != "" {
		payload["back_urls"] = map[string]string{
			"success": c.SuccessURL,
			"failure": c.FailureURL,
			"pending": c.PendingURL,
		}
		if c.SuccessURL != "" {
			payload["auto_return"] = "approved"
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"X-Idempotency-Key": idempotencyKey,
	}
	body, err := c.do(ctx, "create_preference", http.MethodPost, "/checkout/preferences", encoded, headers)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ID               string `json:"id"`
		InitPoint        string `json:"init_point"`
		SandboxInitPoint string `json:"sandbox_init_point"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &GatewayError{Op: "create_preference", Err: fmt.Errorf("decode preference: %w", err)}
	}
	if raw.ID == "" {
		return nil, &GatewayError{Op: "create_preference", Err: errors.New("empty preference id")}
	}
	return &Preference{ID: raw.ID, InitPoint: raw.InitPoint, SandboxInitPoint: raw.SandboxInitPoint}, nil
}

func (c *MercadoPagoClient) do(ctx context.Context, op, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	if strings.TrimSpace(c.AccessToken) == "" {
		return nil, &GatewayError{Op: op, Err: errors.New("MP_ACCESS_TOKEN is not configured")}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &GatewayError{Op: op, Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Op: op, Temporary: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 512),
			Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
