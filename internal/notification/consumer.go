package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/shoplane/storefront-core/internal/order/domain"
	"github.com/shoplane/storefront-core/pkg/idempotency"
	"github.com/shoplane/storefront-core/pkg/tracing"
)

// Notifier maps one order event onto the corresponding mail. Split from the
// consumer so it can be exercised without a broker.
type Notifier struct {
	log    *slog.Logger
	mailer Mailer
}

func NewNotifier(log *slog.Logger, mailer Mailer) *Notifier {
	return &Notifier{log: log, mailer: mailer}
}

func (n *Notifier) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case domain.EventOrderCreated:
		var evt domain.OrderCreated
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		return n.mailer.SendOrderConfirmation(ctx, evt)
	case domain.EventPaymentStatusChanged:
		var evt domain.PaymentStatusChanged
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		return n.mailer.SendPaymentStatusChanged(ctx, evt)
	case domain.EventOrderStatusChanged:
		var evt domain.OrderStatusChanged
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		return n.mailer.SendOrderStatusChanged(ctx, evt)
	default:
		n.log.Info("skipping unknown event type", "type", eventType)
		return nil
	}
}

// Consumer reads order events and hands them to the Notifier. Redeliveries
// are filtered through the redis idempotency store so a rebalance never
// double-mails a customer; handler failures are logged and the message is
// committed anyway, because notifications are never allowed to wedge the
// stream.
type Consumer struct {
	log      *slog.Logger
	reader   *kafka.Reader
	notifier *Notifier
	idem     *idempotency.Store
	tracer   trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, notifier *Notifier, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:      log,
		reader:   r,
		notifier: notifier,
		idem:     idem,
		tracer:   otel.Tracer("notification-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			c.log.Error("idempotency check failed", "err", err)
			continue
		}
		if seen {
			c.log.Info("duplicate message skipped", "key", key)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		msgCtx, span := c.tracer.Start(msgCtx, "NotifyOrderEvent")

		eventType := headerValue(msg.Headers, "event_type")
		if err := c.notifier.HandleEvent(msgCtx, eventType, msg.Value); err != nil {
			c.log.Error("notification failed", "type", eventType, "err", err)
		}
		span.End()
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
