package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	otelx "github.com/md-rashed-zaman/identitybus/libs/otel"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LossPolicy decides what happens to an event published while the
// connection is not open.
type LossPolicy string

const (
	// PolicyDrop logs and discards the event.
	PolicyDrop LossPolicy = "drop"
	// PolicyOutbox stores the event for the relay to send later.
	PolicyOutbox LossPolicy = "outbox"
)

// ErrNilEvent is returned by Publish for a nil event.
var ErrNilEvent = errors.New("nil event")

// Event is any outbound payload that names itself.
type Event interface {
	EventName() string
}

// Message is a serialized event ready for the broker.
type Message struct {
	ID         string
	EventType  string
	Exchange   string
	RoutingKey string
	Body       []byte
	Trace      otelx.TraceContext
}

// Outbox durably stores messages that could not be sent.
type Outbox interface {
	Enqueue(ctx context.Context, msg Message) error
}

type Config struct {
	Exchange   string
	RoutingKey string
	Policy     LossPolicy
}

type Publisher struct {
	conn   *amqpx.Connection
	cfg    Config
	logger *slog.Logger
	outbox Outbox
}

// New returns a publisher sending through conn. outbox may be nil, in which
// case PolicyOutbox degrades to PolicyDrop.
func New(conn *amqpx.Connection, cfg Config, logger *slog.Logger, outbox Outbox) *Publisher {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDrop
	}
	return &Publisher{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "publisher", "exchange", cfg.Exchange),
		outbox: outbox,
	}
}

// Publish serializes event and sends it to the configured exchange. When the
// connection is not open the event is dropped (or deferred to the outbox)
// and no error is returned.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return ErrNilEvent
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventName(), err)
	}
	msg := Message{
		ID:         uuid.NewString(),
		EventType:  event.EventName(),
		Exchange:   p.cfg.Exchange,
		RoutingKey: p.cfg.RoutingKey,
		Body:       body,
		Trace:      otelx.CurrentTraceContext(ctx),
	}

	err = p.Send(ctx, msg)
	if !errors.Is(err, amqpx.ErrNotOpen) {
		return err
	}

	if p.cfg.Policy == PolicyOutbox && p.outbox != nil {
		if err := p.outbox.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("defer %s to outbox: %w", msg.EventType, err)
		}
		p.logger.Info("message bus connection is not open, event deferred", "event_id", msg.ID, "event_type", msg.EventType)
		return nil
	}
	p.logger.Warn("message bus connection is not open, event dropped",
		"event_id", msg.ID,
		"event_type", msg.EventType,
		"state", p.conn.State().String(),
	)
	return nil
}

// Send puts msg on the wire without publisher confirms. It returns
// amqpx.ErrNotOpen when the connection is not open.
func (p *Publisher) Send(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer("amqp").Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", msg.Exchange),
			attribute.String("messaging.rabbitmq.routing_key", msg.RoutingKey),
			attribute.String("messaging.message_id", msg.ID),
		),
	)
	defer span.End()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    msg.ID,
		Type:         msg.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqpx.InjectTraceHeaders(ctx, amqp.Table{amqpx.HeaderEventType: msg.EventType}),
		Body:         msg.Body,
	}
	err := p.conn.Do(func(ch amqpx.Channel) error {
		return ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, pub)
	})
	if errors.Is(err, amqpx.ErrNotOpen) {
		span.SetStatus(codes.Error, "connection not open")
		return err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish %s to %s: %w", msg.EventType, msg.Exchange, err)
	}

	p.logger.Debug("event sent", "event_id", msg.ID, "event_type", msg.EventType, "bytes", len(msg.Body))
	return nil
}

// Close releases the publisher's channel and connection.
func (p *Publisher) Close() error {
	return p.conn.Shutdown()
}
