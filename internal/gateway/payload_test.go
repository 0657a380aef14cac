package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhook_NestedShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "PAYMENT_SUCCESS_WEBHOOK",
		"data": {
			"order": {"order_id": "EXT123"},
			"payment": {"payment_status": "SUCCESS", "payment_group": "upi", "cf_payment_id": 991}
		}
	}`)
	evt, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "EXT123", evt.OrderID)
	assert.Equal(t, "SUCCESS", evt.RawStatus)
	assert.Equal(t, "upi", evt.PaymentMethod)
	assert.Equal(t, "991", evt.ProviderPaymentID)
}

func TestParseWebhook_FlatShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "PAYMENT_FAILED_WEBHOOK",
		"data": {"order_id": "EXT200", "payment_status": "FAILED", "payment_method": "card", "payment_id": "p-7"}
	}`)
	evt, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "EXT200", evt.OrderID)
	assert.Equal(t, "FAILED", evt.RawStatus)
	assert.Equal(t, "p-7", evt.ProviderPaymentID)
}

func TestParseWebhook_LegacyShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"orderId": "EXT300", "txStatus": "USER_DROPPED", "paymentMode": "netbanking", "referenceId": "r-1"}`)
	evt, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "EXT300", evt.OrderID)
	assert.Equal(t, "USER_DROPPED", evt.RawStatus)
	assert.Equal(t, "legacy", evt.EventType)
}

func TestParseWebhook_UnknownShape(t *testing.T) {
	t.Parallel()

	_, err := ParseWebhook([]byte(`{"hello": "world"}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseWebhook_NestedWinsOverLegacy(t *testing.T) {
	t.Parallel()

	// A payload carrying both shapes resolves through the nested parser.
	raw := []byte(`{
		"orderId": "WRONG",
		"txStatus": "FAILED",
		"data": {
			"order": {"order_id": "RIGHT"},
			"payment": {"payment_status": "SUCCESS"}
		}
	}`)
	evt, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "RIGHT", evt.OrderID)
	assert.Equal(t, "SUCCESS", evt.RawStatus)
}
