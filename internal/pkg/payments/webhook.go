package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

const (
	TopicPayment       = "payment"
	TopicMerchantOrder = "merchant_order"
	TopicPreference    = "preference"
)

var ErrEmptyNotification = errors.New("webhook names neither a payment nor a preference")

// WebhookNotification is an inbound gateway notification reduced to the
// identifiers reconciliation needs.
type WebhookNotification struct {
	EventID         string
	Topic           string
	Action          string
	PaymentID       string
	PreferenceID    string
	MerchantOrderID string
}

// HasTarget reports whether the notification can drive a reconciliation.
func (n *WebhookNotification) HasTarget() bool {
	return n.PaymentID != "" || n.PreferenceID != ""
}

// flexID accepts a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type webhookBody struct {
	ID       flexID `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Data     struct {
		ID flexID `json:"id"`
	} `json:"data"`

	PaymentID         flexID `json:"paymentId"`
	PaymentIDSnake    flexID `json:"payment_id"`
	PreferenceID      string `json:"preferenceId"`
	PreferenceIDSnake string `json:"preference_id"`
}

// ParseWebhook understands the Mercado Pago JSON webhook
// ({"type":"payment","data":{"id":...}}), the IPN query form
// (?topic=payment&id=...) and the generic {"paymentId","preferenceId","topic"}
// body. A body that is not JSON is ignored in favour of the query.
func ParseWebhook(body []byte, query url.Values) (*WebhookNotification, error) {
	var b webhookBody
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &b); err != nil && len(query) == 0 {
			return nil, err
		}
	}

	n := &WebhookNotification{
		Topic:  strings.ToLower(firstNonEmpty(b.Type, b.Topic, query.Get("type"), query.Get("topic"))),
		Action: b.Action,
	}

	n.PaymentID = firstNonEmpty(string(b.PaymentID), string(b.PaymentIDSnake), query.Get("payment_id"))
	n.PreferenceID = firstNonEmpty(b.PreferenceID, b.PreferenceIDSnake, query.Get("preference_id"))

	resourceID := lastPathSegment(b.Resource)
	targetID := firstNonEmpty(string(b.Data.ID), query.Get("data.id"), query.Get("id"), resourceID)

	switch n.Topic {
	case TopicPayment, "":
		if n.PaymentID == "" && n.Topic == TopicPayment {
			n.PaymentID = targetID
		}
		if n.Topic == "" && n.PaymentID != "" {
			n.Topic = TopicPayment
		}
	case TopicMerchantOrder:
		n.MerchantOrderID = targetID
	case TopicPreference:
		if n.PreferenceID == "" {
			n.PreferenceID = targetID
		}
	}
	if n.Topic == "" && n.PreferenceID != "" {
		n.Topic = TopicPreference
	}

	// Only the JSON webhook carries a notification id of its own.
	if string(b.Data.ID) != "" {
		n.EventID = string(b.ID)
	}

	if !n.HasTarget() && n.MerchantOrderID == "" {
		return n, ErrEmptyNotification
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func lastPathSegment(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ""
	}
	if u, err := url.Parse(resource); err == nil && u.Path != "" {
		resource = u.Path
	}
	resource = strings.TrimRight(resource, "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}
