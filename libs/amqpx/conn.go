package amqpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotOpen = errors.New("amqp connection not open")
	ErrClosed  = errors.New("amqp connection closed")
)

// ConnectionError reports a failed attempt to reach the broker.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Exchange is a named routing point declared on every (re)connect.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	// Reconnect enables the supervised reconnect loop in Run. When false a
	// broker-initiated shutdown leaves the connection unusable until restart.
	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Exchanges    []Exchange
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Hook runs against a freshly opened channel after the exchanges are
// declared. An error fails the connect attempt.
type Hook func(ch Channel) error

// Connection owns one physical broker connection and one channel.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	dial   Dialer

	state atomic.Int32

	mu     sync.Mutex
	conn   Conn
	ch     Channel
	notify chan *amqp.Error
	hooks  []Hook

	watchMu  sync.Mutex
	watchers map[chan State]struct{}
}

func New(cfg Config, logger *slog.Logger, dial Dialer) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if dial == nil {
		dial = Dial
	}
	return &Connection{
		cfg:      cfg,
		logger:   logger.With("component", "amqp", "addr", cfg.Addr()),
		dial:     dial,
		watchers: map[chan State]struct{}{},
	}
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// OnOpen registers a hook that runs on every successful (re)connect. If the
// connection is already open the hook also runs immediately.
func (c *Connection) OnOpen(hook Hook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
	if c.State() == Open && c.ch != nil {
		return hook(c.ch)
	}
	return nil
}

// Connect opens the connection and channel, declares the exchanges and runs
// the OnOpen hooks. Connecting an open connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Closed:
		return ErrClosed
	case Open:
		return nil
	}

	c.releaseLocked()
	c.setState(Connecting)
	if err := c.openLocked(ctx); err != nil {
		c.releaseLocked()
		c.setState(Disconnected)
		return &ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}
	c.setState(Open)
	c.logger.Info("connected to message bus")
	return nil
}

func (c *Connection) openLocked(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch

	for _, ex := range c.cfg.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, hook := range c.hooks {
		if err := hook(ch); err != nil {
			return err
		}
	}

	c.notify = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// releaseLocked closes the channel before the connection and forgets both.
func (c *Connection) releaseLocked() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.ch = nil
	c.conn = nil
	c.notify = nil
	return errors.Join(errs...)
}

// Do runs fn with exclusive use of the channel. It returns ErrNotOpen at
// once, without waiting for a connect in progress, when the connection is
// not open.
func (c *Connection) Do(fn func(Channel) error) error {
	if c.State() != Open {
		return ErrNotOpen
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Open || c.ch == nil {
		return ErrNotOpen
	}
	return fn(c.ch)
}

// Shutdown closes the channel and then the connection. It is safe to call
// more than once and before Connect ever succeeded.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Closed {
		return nil
	}
	c.setState(Closed)
	err := c.releaseLocked()
	c.closeWatchers()
	c.logger.Info("message bus disposed")
	return err
}

// Run supervises the connection until ctx is done or Shutdown is called.
// Broker-initiated shutdowns move the state to ShuttingDown; with Reconnect
// the connection is re-established with exponential backoff.
func (c *Connection) Run(ctx context.Context) {
	for {
		if c.State() == Closed || ctx.Err() != nil {
			return
		}

		notify := c.closeNotify()
		if notify == nil {
			if !c.cfg.Reconnect {
				<-ctx.Done()
				return
			}
			if err := c.reconnect(ctx); err != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case amqpErr := <-notify:
			if c.State() == Closed {
				return
			}
			c.markShuttingDown(notify)
			if amqpErr != nil {
				c.logger.Warn("message bus connection shutdown",
					"code", amqpErr.Code,
					"reason", amqpErr.Reason,
					"server", amqpErr.Server,
				)
			} else {
				c.logger.Warn("message bus connection shutdown")
			}
		}
	}
}

func (c *Connection) closeNotify() chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

func (c *Connection) markShuttingDown(notify chan *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify != notify || c.State() == Closed {
		return
	}
	c.notify = nil
	c.setState(ShuttingDown)
}

func (c *Connection) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			c.logger.Info("message bus reconnected", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		wait := b.NextBackOff()
		c.logger.Warn("message bus reconnect failed", "err", err, "attempt", attempt, "retry_in", wait.String())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Watch streams state transitions, starting with the current state, until
// ctx is done or the connection is shut down. Slow readers miss transitions.
func (c *Connection) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 16)
	ch <- c.State()

	c.watchMu.Lock()
	if c.State() == Closed {
		c.watchMu.Unlock()
		close(ch)
		return ch
	}
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Connection) closeWatchers() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
}
