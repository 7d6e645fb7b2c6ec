package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/dispatcher"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AckMode selects who settles deliveries.
type AckMode string

const (
	// AckManual acknowledges after the dispatcher finished. Failures are
	// requeued once and dead-lettered on the second attempt.
	AckManual AckMode = "manual"
	// AckAuto lets the broker consider a message settled on delivery.
	AckAuto AckMode = "auto"
)

const deadLetterArg = "x-dead-letter-exchange"

// maxAttempts is how often a failing message is handled before it is
// dead-lettered.
const maxAttempts = 2

// Dispatcher classifies and handles one message body.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) dispatcher.Outcome
}

type Config struct {
	Exchange   string
	RoutingKey string
	// DeadLetterExchange receives rejected messages in manual mode. Empty
	// disables dead-lettering.
	DeadLetterExchange string
	DeadLetterQueue    string
	AckMode            AckMode
	Workers            int
	QueueSize          int
	ConsumerTag        string
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Subscriber binds an anonymous queue to an exchange and feeds every
// delivery through a bounded worker pool into the dispatcher.
type Subscriber struct {
	conn       *amqpx.Connection
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	streams  chan (<-chan amqp.Delivery)
	failures *failureCounts

	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// New validates cfg and registers the topology so it is declared on every
// (re)connect of conn.
func New(conn *amqpx.Connection, d Dispatcher, cfg Config, logger *slog.Logger) (*Subscriber, error) {
	if cfg.Exchange == "" {
		return nil, errors.New("subscriber exchange is required")
	}
	switch cfg.AckMode {
	case "":
		cfg.AckMode = AckManual
	case AckManual, AckAuto:
	default:
		return nil, fmt.Errorf("unknown ack mode %q", cfg.AckMode)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DeadLetterExchange != "" && cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = cfg.DeadLetterExchange + ".dead-letter"
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("identity-service/subscriber")
	processed, err := meter.Int64Counter("messaging.process.messages",
		metric.WithDescription("Messages processed by outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("messaging.process.duration",
		metric.WithDescription("Time spent dispatching one message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		conn:       conn,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger.With("component", "subscriber", "exchange", cfg.Exchange, "routing_key", cfg.RoutingKey),
		streams:    make(chan (<-chan amqp.Delivery), 1),
		failures:   newFailureCounts(4096),
		processed:  processed,
		duration:   duration,
	}
	if err := conn.OnOpen(s.declare); err != nil {
		return nil, err
	}
	return s, nil
}

// declare runs with the connection lock held, so stream hand-over never
// races with another declare.
func (s *Subscriber) declare(ch amqpx.Channel) error {
	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeDirect, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}

	var args amqp.Table
	if s.cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(s.cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(s.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(s.cfg.DeadLetterQueue, "", s.cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
		args = amqp.Table{deadLetterArg: s.cfg.DeadLetterExchange}
	}

	q, err := ch.QueueDeclare("", false, true, true, false, args)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	autoAck := s.cfg.AckMode == AckAuto
	if !autoAck {
		if err := ch.Qos(s.cfg.Workers+s.cfg.QueueSize, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(q.Name, s.cfg.ConsumerTag, autoAck, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	select {
	case <-s.streams:
	default:
	}
	s.streams <- deliveries
	s.logger.Info("subscribed", "queue", q.Name, "ack_mode", string(s.cfg.AckMode))
	return nil
}

// Run consumes until ctx is done, following the connection across
// reconnects. Messages already handed to a worker finish; queued ones are
// released back to the broker.
func (s *Subscriber) Run(ctx context.Context) {
	work := make(chan amqp.Delivery, s.cfg.QueueSize)
	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				if ctx.Err() != nil {
					s.release(d)
					continue
				}
				s.handle(context.WithoutCancel(ctx), d)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case deliveries := <-s.streams:
			s.consume(ctx, deliveries, work)
		}
	}
}

func (s *Subscriber) consume(ctx context.Context, deliveries <-chan amqp.Delivery, work chan<- amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery stream closed")
				return
			}
			select {
			case work <- d:
			case <-ctx.Done():
				s.release(d)
				return
			}
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	meta := amqpx.ExtractEventMeta(d)

	ctx = amqpx.ExtractTraceContext(ctx, d)
	ctx, span := otel.Tracer("amqp").Start(ctx, "amqp.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", s.cfg.Exchange),
			attribute.String("messaging.message_id", meta.MessageID),
			attribute.String("messaging.rabbitmq.source_exchange", meta.Exchange),
			attribute.String("messaging.event_type", meta.EventType),
		),
	)
	defer span.End()

	outcome := s.dispatch(ctx, d.Body)
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	if outcome == dispatcher.Failed || outcome == dispatcher.Malformed {
		span.SetStatus(codes.Error, outcome.String())
	}
	s.settle(d, meta, outcome)
	s.logger.Debug("message processed",
		"message_id", meta.MessageID,
		"event_type", meta.EventType,
		"source_exchange", meta.Exchange,
		"outcome", outcome.String(),
	)

	attrs := metric.WithAttributes(
		attribute.String("messaging.destination", s.cfg.Exchange),
		attribute.String("messaging.event_type", meta.EventType),
		attribute.String("outcome", outcome.String()),
	)
	s.processed.Add(ctx, 1, attrs)
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (s *Subscriber) dispatch(ctx context.Context, body []byte) (outcome dispatcher.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatcher panic", "panic", fmt.Sprint(r))
			outcome = dispatcher.Failed
		}
	}()
	return s.dispatcher.Dispatch(ctx, body)
}

func (s *Subscriber) settle(d amqp.Delivery, meta amqpx.EventMeta, outcome dispatcher.Outcome) {
	if s.cfg.AckMode == AckAuto {
		return
	}

	var err error
	switch outcome {
	case dispatcher.Failed:
		requeue := s.retryable(d)
		err = d.Nack(false, requeue)
		if !requeue {
			s.logger.Warn("message failed again, dead-lettered",
				"delivery_tag", d.DeliveryTag,
				"message_id", meta.MessageID,
				"event_type", meta.EventType,
			)
		}
	case dispatcher.Malformed:
		s.failures.forget(d.MessageId)
		err = d.Nack(false, false)
	default:
		s.failures.forget(d.MessageId)
		err = d.Ack(false)
	}
	if err != nil {
		s.logger.Error("settle delivery failed", "err", err, "delivery_tag", d.DeliveryTag, "outcome", outcome.String())
	}
}

// retryable counts failures per message id, so a redelivery caused by a lost
// channel does not use up the retry. Without a message id only the broker's
// redelivered flag is available.
func (s *Subscriber) retryable(d amqp.Delivery) bool {
	if d.MessageId == "" {
		return !d.Redelivered
	}
	return s.failures.record(d.MessageId) < maxAttempts
}

// release hands an unprocessed delivery back to the broker.
func (s *Subscriber) release(d amqp.Delivery) {
	if s.cfg.AckMode == AckAuto {
		return
	}
	if err := d.Nack(false, true); err != nil {
		s.logger.Debug("release delivery failed", "err", err, "delivery_tag", d.DeliveryTag)
	}
}

// Shutdown closes the subscriber's channel and connection. In-flight
// deliveries in auto mode are lost.
func (s *Subscriber) Shutdown() error {
	return s.conn.Shutdown()
}

// failureCounts remembers handler failures per message id. It is bounded:
// once full it starts over, which at worst grants an extra retry.
type failureCounts struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newFailureCounts(limit int) *failureCounts {
	return &failureCounts{limit: limit, counts: map[string]int{}}
}

// record returns the number of failures seen for id, this one included.
func (f *failureCounts) record(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.counts) >= f.limit {
		clear(f.counts)
	}
	f.counts[id]++
	n := f.counts[id]
	if n >= maxAttempts {
		delete(f.counts, id)
	}
	return n
}

func (f *failureCounts) forget(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, id)
}
