package gateway

import (
	"encoding/json"
	"fmt"
)

// WebhookEvent is the single normalized form every provider payload shape is
// mapped into before it reaches the reconciliation core.
type WebhookEvent struct {
	OrderID           string // external correlation key
	RawStatus         string
	PaymentMethod     string
	ProviderPaymentID string
	EventType         string
}

// The provider has shipped at least three payload layouts over the years:
// data.order/data.payment nesting, a flat data object, and legacy top-level
// fields. Each gets its own pure parser; ParseWebhook tries them in order and
// takes the first that yields a correlation key.
type payloadParser func([]byte) (WebhookEvent, bool)

var parsers = []payloadParser{parseNested, parseFlat, parseLegacy}

func ParseWebhook(raw []byte) (WebhookEvent, error) {
	for _, parse := range parsers {
		if evt, ok := parse(raw); ok {
			return evt, nil
		}
	}
	return WebhookEvent{}, fmt.Errorf("webhook payload matches no known shape")
}

type nestedPayload struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID string `json:"order_id"`
		} `json:"order"`
		Payment struct {
			Status            string `json:"payment_status"`
			Group             string `json:"payment_group"`
			ProviderPaymentID int64  `json:"cf_payment_id"`
		} `json:"payment"`
	} `json:"data"`
}

func parseNested(raw []byte) (WebhookEvent, bool) {
	var p nestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebhookEvent{}, false
	}
	if p.Data.Order.OrderID == "" || p.Data.Payment.Status == "" {
		return WebhookEvent{}, false
	}
	return WebhookEvent{
		OrderID:           p.Data.Order.OrderID,
		RawStatus:         p.Data.Payment.Status,
		PaymentMethod:     p.Data.Payment.Group,
		ProviderPaymentID: fmt.Sprintf("%d", p.Data.Payment.ProviderPaymentID),
		EventType:         p.Type,
	}, true
}

type flatPayload struct {
	Type string `json:"type"`
	Data struct {
		OrderID           string `json:"order_id"`
		Status            string `json:"payment_status"`
		Method            string `json:"payment_method"`
		ProviderPaymentID string `json:"payment_id"`
	} `json:"data"`
}

func parseFlat(raw []byte) (WebhookEvent, bool) {
	var p flatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebhookEvent{}, false
	}
	if p.Data.OrderID == "" || p.Data.Status == "" {
		return WebhookEvent{}, false
	}
	return WebhookEvent{
		OrderID:           p.Data.OrderID,
		RawStatus:         p.Data.Status,
		PaymentMethod:     p.Data.Method,
		ProviderPaymentID: p.Data.ProviderPaymentID,
		EventType:         p.Type,
	}, true
}

type legacyPayload struct {
	OrderID     string `json:"orderId"`
	TxStatus    string `json:"txStatus"`
	PaymentMode string `json:"paymentMode"`
	ReferenceID string `json:"referenceId"`
}

func parseLegacy(raw []byte) (WebhookEvent, bool) {
	var p legacyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebhookEvent{}, false
	}
	if p.OrderID == "" || p.TxStatus == "" {
		return WebhookEvent{}, false
	}
	return WebhookEvent{
		OrderID:           p.OrderID,
		RawStatus:         p.TxStatus,
		PaymentMethod:     p.PaymentMode,
		ProviderPaymentID: p.ReferenceID,
		EventType:         "legacy",
	}, true
}
