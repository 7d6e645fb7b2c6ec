// Package amqpxtest provides an in-memory stand-in for the broker so the
// connection, publisher and subscriber can be exercised without RabbitMQ.
package amqpxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is one message accepted by a fake channel.
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Ack records how a delivery was settled.
type Ack struct {
	Tag     uint64
	Kind    string // ack, nack or reject
	Requeue bool
}

// Consumer describes one Consume call.
type Consumer struct {
	Queue   string
	AutoAck bool
	Args    amqp.Table
}

// Broker records every operation performed through the connections it dials.
type Broker struct {
	mu         sync.Mutex
	log        []string
	published  []Published
	acks       []Ack
	consumers  []Consumer
	queueArgs  []amqp.Table
	conns      []*Conn
	stream     chan amqp.Delivery
	nextTag    uint64
	queueSeq   int
	failDials  int
	dials      int
	publishErr error
}

func NewBroker() *Broker {
	return &Broker{}
}

// FailDials makes the next n dial attempts fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dial satisfies amqpx.Dialer.
func (b *Broker) Dial(ctx context.Context, cfg amqpx.Config) (amqpx.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.failDials > 0 {
		b.failDials--
		b.record("dial.fail " + cfg.Addr())
		return nil, errors.New("connection refused")
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	b.record("dial " + cfg.Addr())
	return c, nil
}

// FailPublishes makes every publish return err until reset with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Drop simulates a broker-initiated shutdown of the most recent connection.
func (b *Broker) Drop(reason string) {
	b.mu.Lock()
	var c *Conn
	if len(b.conns) > 0 {
		c = b.conns[len(b.conns)-1]
	}
	b.mu.Unlock()
	if c != nil {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// Deliver pushes body to the most recent consumer stream with a fresh
// message id and returns its delivery tag. It reports false when nothing is
// consuming. The stream is buffered, so tests should stay well below its
// capacity.
func (b *Broker) Deliver(body []byte, redelivered bool) (uint64, bool) {
	return b.DeliverMessage(amqp.Delivery{Body: body, Redelivered: redelivered}, true)
}

// DeliverMessage pushes d as is, filling in the tag, the acknowledger and a
// JSON content type. With autoID an empty MessageId is replaced by msg-<tag>.
func (b *Broker) DeliverMessage(d amqp.Delivery, autoID bool) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return 0, false
	}
	b.nextTag++
	d.Acknowledger = b
	d.DeliveryTag = b.nextTag
	if d.ContentType == "" {
		d.ContentType = "application/json"
	}
	if autoID && d.MessageId == "" {
		d.MessageId = fmt.Sprintf("msg-%d", b.nextTag)
	}
	b.stream <- d
	return b.nextTag, true
}

func (b *Broker) Ack(tag uint64, _ bool) error {
	b.settle(Ack{Tag: tag, Kind: "ack"})
	return nil
}

func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.settle(Ack{Tag: tag, Kind: "nack", Requeue: requeue})
	return nil
}

func (b *Broker) Reject(tag uint64, requeue bool) error {
	b.settle(Ack{Tag: tag, Kind: "reject", Requeue: requeue})
	return nil
}

func (b *Broker) settle(a Ack) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, a)
}

func (b *Broker) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

func (b *Broker) Acks() []Ack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Ack(nil), b.acks...)
}

func (b *Broker) Consumers() []Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Consumer(nil), b.consumers...)
}

func (b *Broker) QueueArgs() []amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Table(nil), b.queueArgs...)
}

// Consuming reports whether a consumer stream is attached.
func (b *Broker) Consuming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream != nil
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func (b *Broker) record(op string) {
	b.log = append(b.log, op)
}

// Conn is a fake amqpx.Conn.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

func (c *Conn) Channel() (amqpx.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{broker: c.broker}
	c.channels = append(c.channels, ch)
	c.broker.mu.Lock()
	c.broker.record("channel.open")
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.mu.Unlock()
	c.broker.mu.Lock()
	c.broker.record("connection.close")
	c.broker.mu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.terminate()
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// Channel is a fake amqpx.Channel.
type Channel struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
	stream chan amqp.Delivery
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.record(fmt.Sprintf("exchange.declare %s %s durable=%t", name, kind, durable))
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if name == "" {
		ch.broker.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", ch.broker.queueSeq)
	}
	ch.broker.queueArgs = append(ch.broker.queueArgs, args)
	ch.broker.record(fmt.Sprintf("queue.declare %s durable=%t exclusive=%t autodelete=%t", name, durable, exclusive, autoDelete))
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.record(fmt.Sprintf("queue.bind %s %s %s", name, exchange, key))
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.record(fmt.Sprintf("basic.qos %d", prefetchCount))
	return nil
}

func (ch *Channel) Consume(queue, _ string, autoAck, _, _, _ bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	ch.stream = make(chan amqp.Delivery, 256)

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.stream = ch.stream
	ch.broker.consumers = append(ch.broker.consumers, Consumer{Queue: queue, AutoAck: autoAck, Args: args})
	ch.broker.record(fmt.Sprintf("basic.consume %s autoack=%t", queue, autoAck))
	return ch.stream, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.publishErr != nil {
		return ch.broker.publishErr
	}
	ch.broker.published = append(ch.broker.published, Published{Exchange: exchange, Key: key, Msg: msg})
	ch.broker.record(fmt.Sprintf("basic.publish %s %s", exchange, key))
	return nil
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.mu.Unlock()
	ch.broker.mu.Lock()
	ch.broker.record("channel.close")
	ch.broker.mu.Unlock()
	ch.terminate()
	return nil
}

func (ch *Channel) terminate() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	stream := ch.stream
	ch.stream = nil
	ch.mu.Unlock()

	if stream != nil {
		ch.broker.mu.Lock()
		if ch.broker.stream == stream {
			ch.broker.stream = nil
		}
		close(stream)
		ch.broker.mu.Unlock()
	}
}

var (
	_ amqpx.Conn        = (*Conn)(nil)
	_ amqpx.Channel     = (*Channel)(nil)
	_ amqp.Acknowledger = (*Broker)(nil)
)
