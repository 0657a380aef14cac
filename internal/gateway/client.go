// Package gateway is the HTTP client for the hosted-payment provider. All
// configuration is injected through Config; nothing here reads the process
// environment.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type Config struct {
	BaseURL   string
	AppID     string
	SecretKey string
	// ReturnURL is where the provider redirects the browser after payment.
	ReturnURL string
	Timeout   time.Duration
}

// Error is a transport or provider-side failure. It is always retryable: a
// gateway that cannot be reached says nothing about whether a payment failed.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type SessionRequest struct {
	ExternalOrderID string
	AmountCents     int64
	Currency        string
	CustomerID      string
	CustomerEmail   string
	CustomerPhone   string
}

type Session struct {
	SessionID  string
	PaymentURL string
}

// PaymentAttempt is one provider-side payment try for an order, newest first
// as returned by FetchLatestPayments.
type PaymentAttempt struct {
	Status            string
	Method            string
	ProviderPaymentID string
}

type Client struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
	}
}

type sessionReqBody struct {
	OrderID       string       `json:"order_id"`
	OrderAmount   string       `json:"order_amount"`
	OrderCurrency string       `json:"order_currency"`
	Customer      customerBody `json:"customer_details"`
	OrderMeta     metaBody     `json:"order_meta"`
}

type customerBody struct {
	ID    string `json:"customer_id"`
	Email string `json:"customer_email,omitempty"`
	Phone string `json:"customer_phone,omitempty"`
}

type metaBody struct {
	ReturnURL string `json:"return_url,omitempty"`
}

type sessionRespBody struct {
	SessionID  string `json:"payment_session_id"`
	PaymentURL string `json:"payment_link"`
}

// CreateSession opens a hosted payment session correlated by the external
// order ID. The caller keeps that ID on the order row; every later webhook,
// callback and poll joins back through it.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	body := sessionReqBody{
		OrderID:       req.ExternalOrderID,
		OrderAmount:   fmt.Sprintf("%d.%02d", req.AmountCents/100, req.AmountCents%100),
		OrderCurrency: req.Currency,
		Customer: customerBody{
			ID:    req.CustomerID,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		OrderMeta: metaBody{ReturnURL: c.cfg.ReturnURL},
	}
	var resp sessionRespBody
	if err := c.do(ctx, http.MethodPost, "/pg/orders", body, &resp); err != nil {
		return Session{}, err
	}
	if resp.SessionID == "" {
		return Session{}, &Error{Op: "create session", Err: fmt.Errorf("provider returned no session id")}
	}
	return Session{SessionID: resp.SessionID, PaymentURL: resp.PaymentURL}, nil
}

type paymentRespBody struct {
	Status            string `json:"payment_status"`
	Group             string `json:"payment_group"`
	ProviderPaymentID int64  `json:"cf_payment_id"`
}

// FetchLatestPayments queries the provider for all payment attempts against
// an external order ID, newest first.
func (c *Client) FetchLatestPayments(ctx context.Context, externalOrderID string) ([]PaymentAttempt, error) {
	var resp []paymentRespBody
	path := fmt.Sprintf("/pg/orders/%s/payments", externalOrderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	attempts := make([]PaymentAttempt, 0, len(resp))
	for _, p := range resp {
		attempts = append(attempts, PaymentAttempt{
			Status:            p.Status,
			Method:            p.Group,
			ProviderPaymentID: fmt.Sprintf("%d", p.ProviderPaymentID),
		})
	}
	return attempts, nil
}

// VerifySignature checks the provider's webhook signature: base64 of
// HMAC-SHA256(secret, timestamp||rawBody). Constant-time comparison.
func (c *Client) VerifySignature(timestamp string, rawBody []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: method + " " + path, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return &Error{Op: method + " " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.cfg.AppID)
	req.Header.Set("x-client-secret", c.cfg.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("gateway request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &Error{Op: method + " " + path, StatusCode: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
