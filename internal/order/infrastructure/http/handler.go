package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/shoplane/storefront-core/internal/gateway"
	"github.com/shoplane/storefront-core/internal/order/application"
	"github.com/shoplane/storefront-core/internal/order/domain"
)

// maxWebhookBody bounds gateway webhook payloads; real deliveries are a few
// kilobytes, anything near the cap is garbage.
const maxWebhookBody = 1 << 20

// Pages are the storefront URLs the redirect callback sends the browser to,
// keyed by the reconciled payment status.
type Pages struct {
	Success string
	Failure string
	Pending string
}

type Handler struct {
	log    *slog.Logger
	svc    *application.Service
	pages  Pages
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Service, pages Pages) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		pages:  pages,
		tracer: otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.placeOrder)
	r.Post("/orders/{id}/refund", h.refund)
	r.Post("/payments/sessions", h.initiatePayment)
	r.Post("/payments/webhook", h.webhook)
	r.Get("/payments/callback", h.callback)
	r.Get("/payments/status/{id}", h.pollStatus)
	return r
}

type orderItemReq struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

type placeOrderReq struct {
	UserID        string         `json:"user_id"`
	AddressID     string         `json:"address_id"`
	Items         []orderItemReq `json:"items"`
	ShippingCents int64          `json:"shipping_cents"`
	Notes         string         `json:"notes"`
	CustomerEmail string         `json:"customer_email"`
	CustomerPhone string         `json:"customer_phone"`
}

func (r placeOrderReq) toInput() application.PlaceOrderInput {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			PriceCents: it.PriceCents,
		})
	}
	return application.PlaceOrderInput{
		UserID:        r.UserID,
		AddressID:     r.AddressID,
		Items:         items,
		ShippingCents: r.ShippingCents,
		Notes:         r.Notes,
		CustomerEmail: r.CustomerEmail,
		CustomerPhone: r.CustomerPhone,
	}
}

type orderView struct {
	ID            string               `json:"id"`
	PaymentID     string               `json:"payment_id,omitempty"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	TotalCents    int64                `json:"total_cents"`
	ShippingCents int64                `json:"shipping_cents"`
	TrackingNo    string               `json:"tracking_no,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func viewOf(o domain.Order) orderView {
	return orderView{
		ID:            o.ID,
		PaymentID:     o.PaymentID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalCents:    o.TotalCents,
		ShippingCents: o.ShippingCents,
		TrackingNo:    o.TrackingNo,
		Notes:         o.Notes,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PlaceOrder")
	defer span.End()

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	o, err := h.svc.PlaceOrder(ctx, req.toInput())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(o))
}

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitiateOnlinePayment")
	defer span.End()

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	init, err := h.svc.InitiateOnlinePayment(ctx, req.toInput())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"order":       viewOf(init.Order),
		"session_id":  init.SessionID,
		"payment_url": init.PaymentURL,
	})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "rejected"})
		return
	}
	signature := r.Header.Get("x-webhook-signature")
	timestamp := r.Header.Get("x-webhook-timestamp")

	res, err := h.svc.HandleWebhook(ctx, body, signature, timestamp)
	switch {
	case errors.Is(err, application.ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "rejected"})
	case errors.Is(err, application.ErrOrderNotFound):
		// Acknowledged so the provider stops retrying an event that will
		// never match; the unmatched key is already in the log.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.log.Warn("webhook dropped", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "updated": res.Updated})
	}
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentCallback")
	defer span.End()

	key := r.URL.Query().Get("order_id")
	status := r.URL.Query().Get("status")

	var url string
	switch h.svc.HandleRedirectCallback(ctx, key, status) {
	case application.TargetSuccess:
		url = h.pages.Success
	case application.TargetFailure:
		url = h.pages.Failure
	default:
		url = h.pages.Pending
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *Handler) pollStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PollPaymentStatus")
	defer span.End()

	o, err := h.svc.PollPaymentStatus(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, application.ErrOrderNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	if err != nil {
		// Gateway trouble: hand back the last persisted snapshot with an
		// error flag instead of failing the poll.
		writeJSON(w, http.StatusOK, map[string]any{"order": viewOf(o), "gateway_error": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": viewOf(o)})
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefundOrder")
	defer span.End()

	o, err := h.svc.Refund(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var stockErr *application.StockValidationError
	var gwErr *gateway.Error

	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "stock validation failed",
			"reasons": stockErr.Reasons,
		})
	case errors.Is(err, application.ErrInvalidAddress):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, application.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, application.ErrNotRefundable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &gwErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "payment gateway unavailable",
			"retryable": true,
		})
	default:
		h.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
