// Package notification turns committed order events into customer emails.
// Delivery is strictly best-effort: every failure is logged and swallowed,
// never surfaced to the flows that produced the event.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/shoplane/storefront-core/internal/order/domain"
)

type Mailer interface {
	SendOrderConfirmation(ctx context.Context, evt domain.OrderCreated) error
	SendPaymentStatusChanged(ctx context.Context, evt domain.PaymentStatusChanged) error
	SendOrderStatusChanged(ctx context.Context, evt domain.OrderStatusChanged) error
}

// Directory resolves a user reference to a deliverable address.
type Directory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// SMTPMailer sends plain-text transactional mail. The corpus carries no mail
// library, so this sits directly on net/smtp.
type SMTPMailer struct {
	cfg  SMTPConfig
	dir  Directory
	host string
}

func NewSMTPMailer(cfg SMTPConfig, dir Directory) *SMTPMailer {
	host := cfg.Addr
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return &SMTPMailer{cfg: cfg, dir: dir, host: host}
}

func (m *SMTPMailer) SendOrderConfirmation(ctx context.Context, evt domain.OrderCreated) error {
	body := fmt.Sprintf("Your order %s is confirmed.\nTotal: %d.%02d\nPayment: %s\n",
		evt.OrderID, evt.TotalCents/100, evt.TotalCents%100, evt.PaymentStatus)
	return m.send(ctx, evt.UserID, "Order confirmation", body)
}

func (m *SMTPMailer) SendPaymentStatusChanged(ctx context.Context, evt domain.PaymentStatusChanged) error {
	body := fmt.Sprintf("Payment for order %s moved from %s to %s.\n", evt.OrderID, evt.From, evt.To)
	return m.send(ctx, evt.UserID, "Payment update", body)
}

func (m *SMTPMailer) SendOrderStatusChanged(ctx context.Context, evt domain.OrderStatusChanged) error {
	body := fmt.Sprintf("Your order %s is now %s.\n", evt.OrderID, evt.To)
	return m.send(ctx, evt.UserID, "Order update", body)
}

func (m *SMTPMailer) send(ctx context.Context, userID, subject, body string) error {
	to, err := m.dir.EmailFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve recipient for %s: %w", userID, err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.cfg.From, to, subject, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.host)
	}
	return smtp.SendMail(m.cfg.Addr, auth, m.cfg.From, []string{to}, []byte(msg))
}

// LogMailer is the local-development sink.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer { return &LogMailer{log: log} }

func (m *LogMailer) SendOrderConfirmation(_ context.Context, evt domain.OrderCreated) error {
	m.log.Info("mail: order confirmation", "order_id", evt.OrderID, "user_id", evt.UserID)
	return nil
}

func (m *LogMailer) SendPaymentStatusChanged(_ context.Context, evt domain.PaymentStatusChanged) error {
	m.log.Info("mail: payment status changed", "order_id", evt.OrderID, "from", evt.From, "to", evt.To)
	return nil
}

func (m *LogMailer) SendOrderStatusChanged(_ context.Context, evt domain.OrderStatusChanged) error {
	m.log.Info("mail: order status changed", "order_id", evt.OrderID, "from", evt.From, "to", evt.To)
	return nil
}
