package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	"github.com/md-rashed-zaman/identitybus/libs/amqpx/amqpxtest"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryOutbox struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (o *memoryOutbox) Enqueue(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func newTestPublisher(t *testing.T, policy LossPolicy, outbox Outbox) (*Publisher, *amqpxtest.Broker, *amqpx.Connection) {
	t.Helper()
	broker := amqpxtest.NewBroker()
	conn := amqpx.New(amqpx.Config{
		Host:      "rabbitmq",
		Port:      5672,
		Exchanges: []amqpx.Exchange{{Name: events.ExchangeUserCreated, Kind: amqp.ExchangeDirect}},
	}, testLogger(), broker.Dial)
	p := New(conn, Config{
		Exchange:   events.ExchangeUserCreated,
		RoutingKey: events.RoutingKeyUser,
		Policy:     policy,
	}, testLogger(), outbox)
	t.Cleanup(func() { _ = p.Close() })
	return p, broker, conn
}

func sampleEvent() events.UserPublished {
	return events.UserPublished{
		Event:       events.UserCreated,
		ID:          "u1",
		Email:       "ann@example.com",
		PhoneNumber: "+15551230000",
	}
}

func TestPublishWhenOpen(t *testing.T) {
	p, broker, conn := newTestPublisher(t, PolicyDrop, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	event := sampleEvent()
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := broker.Published()
	if len(published) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(published))
	}
	msg := published[0]
	if msg.Exchange != "userCreated" || msg.Key != "user" {
		t.Fatalf("unexpected destination %s/%s", msg.Exchange, msg.Key)
	}
	want, _ := json.Marshal(event)
	if string(msg.Msg.Body) != string(want) {
		t.Fatalf("body mismatch:\n got %s\nwant %s", msg.Msg.Body, want)
	}
	if msg.Msg.ContentType != "application/json" || msg.Msg.MessageId == "" {
		t.Fatalf("unexpected properties: %+v", msg.Msg)
	}
	if amqpx.HeaderValue(msg.Msg.Headers, amqpx.HeaderEventType) != events.UserCreated {
		t.Fatalf("missing event type header: %v", msg.Msg.Headers)
	}
}

func TestPublishWhenNotOpenDrops(t *testing.T) {
	p, broker, _ := newTestPublisher(t, PolicyDrop, nil)

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if len(broker.Published()) != 0 {
		t.Fatal("no message may be placed while the connection is not open")
	}
}

func TestPublishAfterBrokerShutdownDrops(t *testing.T) {
	p, broker, conn := newTestPublisher(t, PolicyDrop, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	broker.Drop("broker restart")
	if !amqpxtest.Eventually(time.Second, func() bool { return conn.State() == amqpx.ShuttingDown }) {
		t.Fatalf("expected shutting_down, got %s", conn.State())
	}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if len(broker.Published()) != 0 {
		t.Fatal("no message may be placed after shutdown")
	}
}

func TestPublishWhenNotOpenDefersToOutbox(t *testing.T) {
	outbox := &memoryOutbox{}
	p, broker, _ := newTestPublisher(t, PolicyOutbox, outbox)

	event := sampleEvent()
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(broker.Published()) != 0 {
		t.Fatal("nothing may reach the broker while closed")
	}
	if len(outbox.msgs) != 1 {
		t.Fatalf("expected one deferred message, got %d", len(outbox.msgs))
	}
	deferred := outbox.msgs[0]
	want, _ := json.Marshal(event)
	if string(deferred.Body) != string(want) || deferred.Exchange != "userCreated" || deferred.RoutingKey != "user" {
		t.Fatalf("unexpected deferred message: %+v", deferred)
	}
}

func TestPublishOutboxFailureIsReturned(t *testing.T) {
	outbox := &memoryOutbox{err: errors.New("db down")}
	p, _, _ := newTestPublisher(t, PolicyOutbox, outbox)
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected outbox failure to be returned")
	}
}

func TestPublishTransportErrorIsReturned(t *testing.T) {
	p, broker, conn := newTestPublisher(t, PolicyDrop, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	broker.FailPublishes(errors.New("channel flow"))

	err := p.Publish(context.Background(), sampleEvent())
	if err == nil || errors.Is(err, amqpx.ErrNotOpen) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestConcurrentPublishIsSerialized(t *testing.T) {
	p, broker, conn := newTestPublisher(t, PolicyDrop, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Publish(context.Background(), sampleEvent()); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(broker.Published()); n != 25 {
		t.Fatalf("expected 25 messages, got %d", n)
	}
}

func TestPublishNilEvent(t *testing.T) {
	p, broker, conn := newTestPublisher(t, PolicyDrop, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := p.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
	if len(broker.Published()) != 0 {
		t.Fatal("nothing may be sent for a nil event")
	}
}
